package realtime

import (
	"errors"
	"fmt"
)

// Error kinds for operations that touch shared infrastructure.
// Callers match them with errors.Is; the concrete failure stays reachable via Unwrap.
var (
	ErrBackend = errors.New("durable backend failure")
	ErrChannel = errors.New("shared channel failure")

	errSubscriptionLost = errors.New("subscription closed")
)

// OpError is a failed store or channel call with a stable Op + Kind contract.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error { return []error{e.Kind, e.Err} }

func backendErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Kind: ErrBackend, Err: err}
}

func channelErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Kind: ErrChannel, Err: err}
}

// opOf returns the Op of the first OpError in err's tree, or "".
func opOf(err error) string {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Op
	}
	return ""
}
