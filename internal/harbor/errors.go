package harbor

import "errors"

// Error kinds recognized by the harbor input, per spec §7.
var (
	// ErrNoDecoder is returned by Relay when no codec has been selected
	// with RegisterDecoder.
	ErrNoDecoder = errors.New("harbor: no decoder negotiated")
	// ErrUnknownCodec is raised by RegisterDecoder when the requested
	// codec name has no registered decoder function.
	ErrUnknownCodec = errors.New("harbor: unknown codec")
	// ErrRelayingStopped is raised by Put after the client has
	// disconnected.
	ErrRelayingStopped = errors.New("harbor: relaying stopped")
	// ErrEndOfFile is raised by Read when the socket reports EOF (a read
	// of zero or negative length).
	ErrEndOfFile = errors.New("harbor: end of file")
)
