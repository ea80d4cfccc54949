package vhostuser

import "errors"

// Protocol errors are fatal to the connection that produced them: the
// endpoint transitions to its closed state and no further operations are
// accepted. Transport failures are returned as the underlying I/O errors
// and carry the same disposition.
var (
	// ErrInvalidMessage is returned when a header or payload is
	// malformed, or a message kind is unknown where strict decoding is
	// required.
	ErrInvalidMessage = errors.New("vhost-user: invalid message")

	// ErrOversizedMessage is returned when a header claims a payload
	// larger than the protocol's fixed maximum.
	ErrOversizedMessage = errors.New("vhost-user: oversized message")

	// ErrPartialMessage is returned when the channel yields fewer bytes
	// than the message requires.
	ErrPartialMessage = errors.New("vhost-user: partial message")

	// ErrDescriptorMismatch is returned when the number of descriptors
	// attached to a message does not match what its kind requires.
	ErrDescriptorMismatch = errors.New("vhost-user: descriptor count mismatch")

	// ErrInvalidReply is returned when a reply does not match the
	// outstanding request.
	ErrInvalidReply = errors.New("vhost-user: invalid reply")

	// ErrReplyError is returned when the peer answers a request with its
	// error flag set.
	ErrReplyError = errors.New("vhost-user: request failed on peer")

	// ErrUnnegotiatedFeature is returned when a message kind gated by a
	// protocol feature is used without that feature in the negotiated
	// set.
	ErrUnnegotiatedFeature = errors.New("vhost-user: protocol feature not negotiated")

	// ErrClosed is returned for operations on a connection that has
	// already transitioned to its closed state.
	ErrClosed = errors.New("vhost-user: connection closed")
)
