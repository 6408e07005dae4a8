package broadcast

import "errors"

// Sentinel kinds for broadcaster errors.
var (
	// ErrPublish marks an event that one subscriber could not take.
	ErrPublish = errors.New("publish to subscriber failed")
	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("broadcaster closed")
)
