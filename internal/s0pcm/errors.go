package s0pcm

import "errors"

// Domain-specific errors for device protocol handling.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidTelegram is returned when a line does not match the device
	// protocol. The wrapped message carries the offending raw text.
	ErrInvalidTelegram = errors.New("s0pcm: invalid telegram")

	// ErrConnect is returned when the device transport cannot be opened.
	ErrConnect = errors.New("s0pcm: transport connect failed")

	// ErrRead is returned when an established transport fails mid-stream.
	ErrRead = errors.New("s0pcm: transport read failed")
)
