// Package core defines sentinel errors.
package core

import (
	"errors"
	"fmt"
)

var (
	// Packet decoding errors
	ErrPacketTooShort   = errors.New("decap: packet too short")
	ErrUnsupportedProto = errors.New("decap: unsupported protocol")
	ErrPacketRejected   = errors.New("decap: packet rejected by analyzer")

	// Pipeline errors
	ErrPipelineStopped = errors.New("decap: pipeline stopped")

	// Configuration errors
	ErrConfigInvalid = errors.New("decap: invalid configuration")
)

// InternalError reports a broken analyzer contract, such as an analyzer wired
// ahead of the stage that produces its input. It is raised with panic because
// it signals a wiring bug rather than a malformed packet.
type InternalError struct {
	Analyzer string
	Reason   string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("decap: internal error in %s: %s", e.Analyzer, e.Reason)
}
