package core

import "errors"

var (
	// Packet decoding errors
	ErrPacketTooShort   = errors.New("captain: packet too short")
	ErrUnsupportedProto = errors.New("captain: unsupported protocol")
	ErrMalformedHeader  = errors.New("captain: malformed header")

	// Pipeline errors
	ErrPipelineStopped = errors.New("captain: pipeline stopped")

	// Configuration errors
	ErrConfigInvalid = errors.New("captain: invalid configuration")
)
