package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means neither the push channel nor history polling produced
	// a ready result before the deadline.
	ErrTimeout = errors.New("generation did not complete in time")
	// ErrNotReady is the fast-fetch signal that the remote history entry has
	// no image descriptors yet. Transient: reconciliation re-checks later.
	ErrNotReady = errors.New("history not ready")
	// ErrEmptyResult means the remote reported success but the outputs
	// yielded zero downloadable images.
	ErrEmptyResult = errors.New("history had no images in outputs")
)

// SubmissionError is returned when ComfyUI rejects a submitted workflow.
// The remote response body is preserved for diagnostics.
type SubmissionError struct {
	StatusCode int
	Body       string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("comfyui /prompt error %d: %s", e.StatusCode, e.Body)
}

// RemoteError is returned when the remote history entry itself reports an
// execution error.
type RemoteError struct {
	Detail string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("comfyui returned errors: %s", e.Detail)
}
