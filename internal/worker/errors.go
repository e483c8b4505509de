package worker

import "errors"

// terminalError marks a failure that must consume the message instead of
// letting the broker redeliver it forever (malformed input, mostly).
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the shell completes the message instead of
// abandoning it.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err carries the terminal marker.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}
