package pipeline

import "errors"

var (
	// ErrMissingSource aborts a run that requires a content source but has none.
	ErrMissingSource = errors.New("missing required parameters")
	// ErrNoOpener is returned when streaming modules are run without an Opener.
	ErrNoOpener = errors.New("pipeline: stream opener is required for streaming modules")
	// ErrNoPrompt is attached to a streaming module without messages.
	ErrNoPrompt = errors.New("module has no prompt message")
	// ErrClosed is attached to modules still streaming when a run is closed.
	ErrClosed = errors.New("pipeline run closed")
)

// SetupError aborts a run before any module executes. Its message is the
// underlying error's, unchanged.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string {
	return e.Err.Error()
}

func (e *SetupError) Unwrap() error {
	return e.Err
}
