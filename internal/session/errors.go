package session

import "errors"

var (
	// ErrNotFound is returned for unknown or released handles.
	ErrNotFound = errors.New("session not found")

	// ErrBusy is returned when a synchronous detection is attempted while
	// another detection on the same session is in flight.
	ErrBusy = errors.New("session busy")
)
