package dispatch

import (
	"fmt"
)

// TransportError reports that a gateway could not complete the network exchange.
// It covers the whole call, so no per-recipient outcomes are available.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
