package messages

import "errors"

// ErrProtocolViolation matches any protocol error via errors.Is.
var ErrProtocolViolation = errors.New("protocol violation")

// ProtocolError describes a malformed or unexpected envelope. The transport
// reports these and drops the frame; one bad frame must not take down the
// reader loop or any in-flight request.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol violation: " + e.Reason
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocolViolation
}
