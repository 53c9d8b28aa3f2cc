package detector

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/Brownie44l1/deepfake-api/internal/artifact"
	"github.com/Brownie44l1/deepfake-api/internal/inference"
	"github.com/Brownie44l1/deepfake-api/internal/preprocess"
)

// Failure kinds a caller can test for with errors.Is.
var (
	ErrArtifactUnavailable = artifact.ErrArtifactUnavailable
	ErrDecode              = preprocess.ErrDecode
	ErrUnsupportedMode     = preprocess.ErrUnsupportedMode
	ErrShapeMismatch       = inference.ErrShapeMismatch
	ErrModelNotLoaded      = inference.ErrModelNotLoaded
	ErrClosed              = inference.ErrClosed
	// ErrDetectionFailed matches any failure the pipeline did not anticipate.
	ErrDetectionFailed = errors.New("detection failed")
)

var passthrough = []error{
	ErrArtifactUnavailable,
	ErrDecode,
	ErrUnsupportedMode,
	ErrShapeMismatch,
	ErrModelNotLoaded,
	ErrClosed,
	context.Canceled,
	context.DeadlineExceeded,
}

// FailedError wraps an unexpected failure. It matches ErrDetectionFailed and
// still unwraps to its cause.
type FailedError struct {
	Err error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%v: %v", ErrDetectionFailed, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// Cause lets errors.Cause reach the original failure.
func (e *FailedError) Cause() error { return e.Err }

func (e *FailedError) Is(target error) bool {
	return target == ErrDetectionFailed
}

// classify leaves known failure kinds alone and wraps everything else.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range passthrough {
		if errors.Is(err, target) {
			return err
		}
	}
	return &FailedError{Err: err}
}

// IsClientError reports whether err was caused by the submitted image rather
// than by the detector.
func IsClientError(err error) bool {
	return errors.Is(err, ErrDecode) || errors.Is(err, ErrUnsupportedMode)
}
