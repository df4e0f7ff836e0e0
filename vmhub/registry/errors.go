package registry

import (
	"errors"
	"fmt"
)

// ErrInvalidID is returned for ids that cannot be used as a file name.
var ErrInvalidID = errors.New("invalid instance id")

// StorageError reports an I/O failure while reading or writing the registry.
type StorageError struct {
	Op   string // "put", "get", "list" or "delete"
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("registry %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// CorruptRecordError reports a persisted entry that exists but cannot be decoded.
type CorruptRecordError struct {
	Path string
	Err  error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt registry record %s: %v", e.Path, e.Err)
}

func (e *CorruptRecordError) Unwrap() error {
	return e.Err
}
