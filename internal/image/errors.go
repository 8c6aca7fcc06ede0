package image

import (
	"errors"
	"fmt"
)

// Sentinel errors matched by ResolutionError.
var (
	ErrNotFound       = errors.New("image not found")
	ErrCheckFailed    = errors.New("failed to check image path")
	ErrDownloadFailed = errors.New("image download failed")
	ErrUploadFailed   = errors.New("image upload failed")
	ErrInvalid        = errors.New("invalid image reference")
)

// Reason classifies a resolution failure.
type Reason string

// Resolution failure reasons.
const (
	ReasonNotFound       Reason = "not_found"
	ReasonCheckFailed    Reason = "check_failed"
	ReasonDownloadFailed Reason = "download_failed"
	ReasonUploadFailed   Reason = "upload_failed"
	ReasonInvalid        Reason = "invalid_reference"
)

// ResolutionError reports why an image reference could not be resolved.
type ResolutionError struct {
	Reason Reason
	Ref    string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("failed to resolve image %q: %s", e.Ref, e.Reason)
	}
	return fmt.Sprintf("failed to resolve image %q: %s: %v", e.Ref, e.Reason, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's reason.
func (e *ResolutionError) Is(target error) bool {
	switch e.Reason {
	case ReasonNotFound:
		return target == ErrNotFound
	case ReasonCheckFailed:
		return target == ErrCheckFailed
	case ReasonDownloadFailed:
		return target == ErrDownloadFailed
	case ReasonUploadFailed:
		return target == ErrUploadFailed
	case ReasonInvalid:
		return target == ErrInvalid
	}
	return false
}
