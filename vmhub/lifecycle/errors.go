package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record exists for an instance id.
	ErrNotFound = errors.New("instance not found")

	// ErrNameInUse is returned when a registered instance or an existing disk
	// image already uses the requested name.
	ErrNameInUse = errors.New("instance name already in use")

	// ErrInvalidName is returned for names that cannot be used as a disk image
	// file name.
	ErrInvalidName = errors.New("invalid instance name")
)

// ImageCopyError reports that the base image could not be copied to an
// instance's disk path.
type ImageCopyError struct {
	Source string
	Target string
	Err    error
}

func (e *ImageCopyError) Error() string {
	return fmt.Sprintf("copy disk image %s to %s: %v", e.Source, e.Target, e.Err)
}

func (e *ImageCopyError) Unwrap() error {
	return e.Err
}
