// Package protocol describes which ports a connector has and which port
// combinations a batch may use.
//
// The connector does not compile behavioral descriptions itself. It asks a
// Description for the Interface of an entry point and enforces it.
package protocol

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/sarchlab/rendezvous/port"
)

// Errors reported while configuring.
var (
	ErrMalformedSpec     = errors.New("malformed protocol specification")
	ErrUnknownEntryPoint = errors.New("unknown entry point")
)

// Channel pairs a native put port with a native get port of the same
// connector.
type Channel struct {
	Put int `yaml:"put"`
	Get int `yaml:"get"`
}

// Interface is the resolved shape of one entry point.
type Interface struct {
	Name     string
	Ports    []port.Polarity
	Channels []Channel

	// Exclusive lists port groups of which at most one may be used in the
	// same batch.
	Exclusive [][]int
}

// Description resolves entry points into interfaces.
type Description interface {
	Interface(entryPoint string) (*Interface, error)
}

// Validate checks that the interface is self-consistent.
func (i *Interface) Validate() error {
	paired := make(map[int]bool)

	for _, c := range i.Channels {
		if err := i.mustBePort(c.Put, port.Put); err != nil {
			return err
		}

		if err := i.mustBePort(c.Get, port.Get); err != nil {
			return err
		}

		if paired[c.Put] || paired[c.Get] {
			return fmt.Errorf("%w: %s: port in more than one channel",
				ErrMalformedSpec, i.Name)
		}

		paired[c.Put] = true
		paired[c.Get] = true
	}

	for _, group := range i.Exclusive {
		for _, p := range group {
			if p < 0 || p >= len(i.Ports) {
				return fmt.Errorf("%w: %s: exclusive port %d out of range",
					ErrMalformedSpec, i.Name, p)
			}
		}
	}

	return nil
}

func (i *Interface) mustBePort(p int, polarity port.Polarity) error {
	if p < 0 || p >= len(i.Ports) {
		return fmt.Errorf("%w: %s: port %d out of range",
			ErrMalformedSpec, i.Name, p)
	}

	if i.Ports[p] != polarity {
		return fmt.Errorf("%w: %s: port %d is not a %s port",
			ErrMalformedSpec, i.Name, p, polarity)
	}

	return nil
}

// PeerOf returns the port paired with p in a native channel.
func (i *Interface) PeerOf(p int) (int, bool) {
	for _, c := range i.Channels {
		switch p {
		case c.Put:
			return c.Get, true
		case c.Get:
			return c.Put, true
		}
	}

	return -1, false
}

// Allows reports whether the ports may be used together in one batch.
func (i *Interface) Allows(ports []int) error {
	used := make(map[int]bool, len(ports))
	for _, p := range ports {
		used[p] = true
	}

	for _, group := range i.Exclusive {
		count := 0

		for _, p := range group {
			if used[p] {
				count++
			}
		}

		if count > 1 {
			return fmt.Errorf("ports %v are mutually exclusive", group)
		}
	}

	return nil
}

// Clone deep-copies the interface.
func (i *Interface) Clone() *Interface {
	out := &Interface{
		Name:     i.Name,
		Ports:    append([]port.Polarity(nil), i.Ports...),
		Channels: append([]Channel(nil), i.Channels...),
	}

	for _, g := range i.Exclusive {
		out.Exclusive = append(out.Exclusive, append([]int(nil), g...))
	}

	return out
}

// Catalog is an in-memory Description.
type Catalog struct {
	entries map[string]*Interface
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]*Interface)}
}

// Register adds an entry point.
func (c *Catalog) Register(name string, iface *Interface) error {
	if _, dup := c.entries[name]; dup {
		return fmt.Errorf("%w: entry point %q defined twice",
			ErrMalformedSpec, name)
	}

	iface = iface.Clone()
	iface.Name = name

	if err := iface.Validate(); err != nil {
		return err
	}

	c.entries[name] = iface

	return nil
}

// Interface returns a copy of the interface of the entry point.
func (c *Catalog) Interface(entryPoint string) (*Interface, error) {
	iface, ok := c.entries[entryPoint]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntryPoint, entryPoint)
	}

	return iface.Clone(), nil
}

// EntryPoints lists the entry points in name order.
func (c *Catalog) EntryPoints() []string {
	names := make([]string, 0, len(c.entries))
	for n := range c.entries {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

type catalogFile struct {
	Protocols map[string]entryFile `yaml:"protocols"`
}

type entryFile struct {
	Ports     []string  `yaml:"ports"`
	Channels  []Channel `yaml:"channels"`
	Exclusive [][]int   `yaml:"exclusive"`
}

// ParseCatalog reads a YAML catalog of the form
//
//	protocols:
//	  forward:
//	    ports: [put, get]
//	    channels: [{put: 0, get: 1}]
//	    exclusive: [[0, 1]]
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile

	err := yaml.Unmarshal(data, &f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSpec, err)
	}

	if len(f.Protocols) == 0 {
		return nil, fmt.Errorf("%w: no protocols defined", ErrMalformedSpec)
	}

	c := NewCatalog()

	for name, e := range f.Protocols {
		iface := &Interface{
			Channels:  e.Channels,
			Exclusive: e.Exclusive,
		}

		for _, s := range e.Ports {
			p, err := port.ParsePolarity(s)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrMalformedSpec, name, err)
			}

			iface.Ports = append(iface.Ports, p)
		}

		err = c.Register(name, iface)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

// LoadCatalog reads and parses a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ParseCatalog(data)
}
