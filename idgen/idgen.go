// Package idgen generates the IDs attached to link messages and recording
// sessions.
package idgen

import (
	"log"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

// Generator can generate IDs.
type Generator interface {
	// Generate an ID
	Generate() string
}

// NewSequential returns a generator whose first ID is "1". The IDs are
// deterministic, which is convenient in tests.
func NewSequential() Generator {
	return &sequentialGenerator{}
}

// NewParallel returns a generator that produces globally unique IDs. IDs from
// different processes never collide, so they can travel over links.
func NewParallel() Generator {
	return parallelGenerator{}
}

var (
	defaultLock      sync.Mutex
	defaultGenerator Generator
)

// UseSequential makes Get return a sequential generator. It must be called
// before the first call to Get.
func UseSequential() {
	use(NewSequential())
}

// UseParallel makes Get return an xid-based generator. It must be called
// before the first call to Get.
func UseParallel() {
	use(NewParallel())
}

func use(g Generator) {
	defaultLock.Lock()
	defer defaultLock.Unlock()

	if defaultGenerator != nil {
		log.Panic("cannot change id generator type after using it")
	}

	defaultGenerator = g
}

// Get returns the process-wide generator, which is xid-based unless
// UseSequential was called first.
func Get() Generator {
	defaultLock.Lock()
	defer defaultLock.Unlock()

	if defaultGenerator == nil {
		defaultGenerator = NewParallel()
	}

	return defaultGenerator
}

type sequentialGenerator struct {
	next uint64
}

func (g *sequentialGenerator) Generate() string {
	return strconv.FormatUint(atomic.AddUint64(&g.next, 1), 10)
}

type parallelGenerator struct{}

func (parallelGenerator) Generate() string {
	return xid.New().String()
}
