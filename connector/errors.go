package connector

import (
	"errors"
	"fmt"

	"github.com/sarchlab/rendezvous/batch"
	"github.com/sarchlab/rendezvous/link"
	"github.com/sarchlab/rendezvous/port"
	"github.com/sarchlab/rendezvous/protocol"
	"github.com/sarchlab/rendezvous/round"
)

// Errors of the connector life cycle.
var (
	ErrNotConfigured     = errors.New("connector not configured")
	ErrAlreadyConfigured = errors.New("connector already configured")
	ErrNotConnected      = errors.New("connector not connected")
	ErrAlreadyConnected  = errors.New("connector already connected")
	ErrConnectorFailed   = errors.New("connector failed")
	ErrPortNotBound      = errors.New("port not bound")
	ErrConnectTimeout    = errors.New("connect timeout")
	ErrRoundInProgress   = errors.New("round in progress")
)

// Errors of the lower layers, re-exported so that callers only need this
// package.
var (
	ErrMalformedSpec          = protocol.ErrMalformedSpec
	ErrUnknownEntryPoint      = protocol.ErrUnknownEntryPoint
	ErrAlreadyBound           = port.ErrAlreadyBound
	ErrInvalidState           = port.ErrInvalidState
	ErrWrongDirection         = port.ErrWrongDirection
	ErrInvalidAddress         = port.ErrInvalidAddress
	ErrIndexOutOfBounds       = port.ErrIndexOutOfBounds
	ErrNothingReceived        = port.ErrNothingReceived
	ErrPortAlreadyUsedInBatch = batch.ErrPortAlreadyUsedInBatch
	ErrIllegalBatch           = batch.ErrIllegalBatch
	ErrTopology               = round.ErrTopology
	ErrNoMatch                = round.ErrNoMatch
	ErrRolledBack             = round.ErrRolledBack
	ErrProtocolViolation      = round.ErrProtocolViolation
	ErrLinkClosed             = link.ErrLinkClosed
	ErrLinkTimeout            = link.ErrLinkTimeout
	ErrUnreachable            = link.ErrUnreachable
	ErrBindFailed             = link.ErrBindFailed
	ErrPayloadIntegrity       = link.ErrPayloadIntegrity
)

// ConfigError is returned by Configure.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "configure: " + e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }

// BindError is returned by the Bind methods.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ConnectError is returned by Connect. The connector cannot be connected
// again afterwards.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "connect: " + e.Err.Error() }

func (e *ConnectError) Unwrap() error { return e.Err }

// StageError is returned by Put, Get and NextBatch. Batches staged earlier
// are not affected.
type StageError struct {
	Port int
	Err  error
}

func (e *StageError) Error() string {
	if e.Port < 0 {
		return "stage: " + e.Err.Error()
	}

	return fmt.Sprintf("stage port %d: %v", e.Port, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ReadError is returned by TakeReceived.
type ReadError struct {
	Port int
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read port %d: %v", e.Port, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// FatalCode classifies a fatal round.
type FatalCode int

// Fatal codes.
const (
	FatalProtocol FatalCode = iota + 1
	FatalLink
	FatalIntegrity
	FatalTimeout
)

func (c FatalCode) String() string {
	switch c {
	case FatalProtocol:
		return "protocol violation"
	case FatalLink:
		return "link closed"
	case FatalIntegrity:
		return "payload integrity"
	case FatalTimeout:
		return "link timeout"
	default:
		return fmt.Sprintf("fatal(%d)", int(c))
	}
}

// FatalError is returned by Sync when the round, and the connector with it,
// cannot go on.
type FatalError struct {
	Code FatalCode
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal (%s): %v", e.Code, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func newFatalError(err error) *FatalError {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe
	}

	code := FatalProtocol

	switch {
	case errors.Is(err, link.ErrPayloadIntegrity):
		code = FatalIntegrity
	case errors.Is(err, link.ErrLinkTimeout):
		code = FatalTimeout
	case errors.Is(err, link.ErrLinkClosed):
		code = FatalLink
	}

	return &FatalError{Code: code, Err: err}
}

// Sync result codes for callers that want a single integer.
const (
	CodeNoMatch    = -1
	CodeRolledBack = -2
	CodeFatal      = -3
	// CodeRoundInProgress is returned to a Sync that overlaps another one.
	// The running round and the connector are not affected.
	CodeRoundInProgress = -4
)

// Code folds the result of Sync into one integer: the winning batch index, or
// one of the negative codes.
func Code(index int, err error) int {
	switch {
	case err == nil:
		return index
	case errors.Is(err, ErrNoMatch):
		return CodeNoMatch
	case errors.Is(err, ErrRolledBack):
		return CodeRolledBack
	case errors.Is(err, ErrRoundInProgress):
		return CodeRoundInProgress
	default:
		return CodeFatal
	}
}
