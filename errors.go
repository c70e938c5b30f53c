package livephoto

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against these to classify a failure.
var (
	// ErrUnreadableSource means an input file could not be opened or parsed.
	ErrUnreadableSource = errors.New("unreadable source")
	// ErrMissingTrack means the source movie has no video track.
	ErrMissingTrack = errors.New("missing video track")
	// ErrWriteFailed means an output could not be written or finalized.
	ErrWriteFailed = errors.New("write failed")
	// ErrIncompletePair means an asset did not yield both the photo and the paired video.
	ErrIncompletePair = errors.New("incomplete live photo pair")
	// ErrIdentifierMismatch means the still and the movie carry different identifiers.
	ErrIdentifierMismatch = errors.New("content identifier mismatch")
)

// Error describes a failed stage of a codec operation.
type Error struct {
	Kind  error
	Stage string
	Path  string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Stage + ": " + e.Kind.Error()
	if e.Path != "" {
		msg += fmt.Sprintf(" %q", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, stage, path string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Path: path, Err: err}
}

// Kind returns the error kind of err, or nil if it is not a codec error.
func Kind(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}
