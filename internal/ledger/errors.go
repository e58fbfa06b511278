package ledger

import (
	"errors"
	"fmt"

	"fleetpilot.ai/internal/protocol"
)

// Error kinds. Use errors.Is against these to classify a *CallError.
var (
	ErrTransient          = errors.New("transient call error")
	ErrSimulationRejected = errors.New("simulation rejected")
	ErrStaleState         = errors.New("stale state")
	ErrFatalDecode        = errors.New("fatal decode error")
)

// CallError is returned by every Client method that fails.
type CallError struct {
	Kind error
	Op   string
	Code string
	Err  error
}

func (e *CallError) Error() string {
	msg := e.Kind.Error()
	if e.Code != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Code)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CallError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Transient(op string, err error) error {
	return &CallError{Kind: ErrTransient, Op: op, Code: protocol.ErrTransient, Err: err}
}

func SimulationRejected(op string, err error) error {
	return &CallError{Kind: ErrSimulationRejected, Op: op, Code: protocol.ErrSimulationFailed, Err: err}
}

func StaleState(op string, err error) error {
	return &CallError{Kind: ErrStaleState, Op: op, Code: protocol.ErrStale, Err: err}
}

func FatalDecode(op string, err error) error {
	return &CallError{Kind: ErrFatalDecode, Op: op, Code: protocol.ErrDecode, Err: err}
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
func IsFatal(err error) bool     { return errors.Is(err, ErrFatalDecode) }

// FromCode maps a gateway error code onto the taxonomy. Unknown and
// request-shape codes are treated as simulation rejections: the call did not
// take effect and re-sending it unchanged will not help.
func FromCode(op, code, message string) error {
	var err error
	if message != "" {
		err = errors.New(message)
	}
	switch code {
	case protocol.ErrTransient, protocol.ErrInternal, protocol.ErrRateLimit:
		return &CallError{Kind: ErrTransient, Op: op, Code: code, Err: err}
	case protocol.ErrStale:
		return &CallError{Kind: ErrStaleState, Op: op, Code: code, Err: err}
	case protocol.ErrDecode:
		return &CallError{Kind: ErrFatalDecode, Op: op, Code: code, Err: err}
	case protocol.ErrNotFound:
		if err == nil {
			err = ErrNotFound
		} else {
			err = fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return &CallError{Kind: ErrFatalDecode, Op: op, Code: code, Err: err}
	default:
		return &CallError{Kind: ErrSimulationRejected, Op: op, Code: code, Err: err}
	}
}

// Code is the inverse of FromCode, used by gateways to report errors.
func Code(err error) string {
	var ce *CallError
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	switch {
	case errors.Is(err, ErrTransient):
		return protocol.ErrTransient
	case errors.Is(err, ErrStaleState):
		return protocol.ErrStale
	case errors.Is(err, ErrFatalDecode):
		return protocol.ErrDecode
	case errors.Is(err, ErrSimulationRejected):
		return protocol.ErrSimulationFailed
	case errors.Is(err, ErrNotFound):
		return protocol.ErrNotFound
	default:
		return protocol.ErrInternal
	}
}

// ErrNotFound reports an unknown entity. It is fatal for the agent that owns
// the id: the account will not appear by retrying.
var ErrNotFound = errors.New("entity not found")

func NotFound(op string, id string) error {
	return &CallError{Kind: ErrFatalDecode, Op: op, Code: protocol.ErrNotFound, Err: fmt.Errorf("%w: %s", ErrNotFound, id)}
}
