package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
)

const imageExt = ".qcow2"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,62}$`)

// ValidName reports whether name can be used for an instance. Names become
// disk image file names, so separators and leading dots are refused.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// copyImage copies src to dst. dst must not exist; an existing file is
// reported as ErrNameInUse. A partially written dst is removed.
func copyImage(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return &ImageCopyError{Source: src, Target: dst, Err: err}
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return &ImageCopyError{Source: src, Target: dst, Err: err}
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: disk image %s exists", ErrNameInUse, dst)
		}
		return &ImageCopyError{Source: src, Target: dst, Err: err}
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return &ImageCopyError{Source: src, Target: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return &ImageCopyError{Source: src, Target: dst, Err: err}
	}
	return nil
}
