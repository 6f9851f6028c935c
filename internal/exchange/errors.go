package exchange

import "fmt"

// ProtocolError is returned for a single frame that cannot be parsed or does
// not match a known shape. It is recoverable.
type ProtocolError struct {
	Reason string
	Frame  []byte
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Excerpt returns at most n bytes of the offending frame for logging
func (e *ProtocolError) Excerpt(n int) string {
	if len(e.Frame) <= n {
		return string(e.Frame)
	}
	return string(e.Frame[:n]) + "..."
}
