// Package registry persists VM instance metadata, one JSON file per instance.
//
// The presence of <dir>/<id>.json is the source of truth for whether an
// instance exists. The registry knows nothing about processes; callers that
// need per-instance ordering must serialize operations on the same id
// themselves.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const recordExt = ".json"

// Listing is the partitioned result of List: decodable records and the
// entries that could not be decoded.
type Listing struct {
	Records []InstanceRecord
	Corrupt []*CorruptRecordError
}

// Registry is a directory of instance records.
type Registry struct {
	dir string
}

// New returns a registry rooted at dir. The directory is created lazily on
// the first Put.
func New(dir string) *Registry {
	return &Registry{dir: dir}
}

// Dir returns the metadata directory.
func (r *Registry) Dir() string {
	return r.dir
}

func (r *Registry) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(r.dir, id+recordExt), nil
}

// Put writes rec, replacing any existing record with the same id.
// The write goes to a temporary file in the same directory and is renamed into
// place, so readers never observe a partially written record.
func (r *Registry) Put(rec InstanceRecord) error {
	path, err := r.path(rec.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return &StorageError{Op: "put", Path: r.dir, Err: err}
	}

	tmp, err := os.CreateTemp(r.dir, "."+rec.ID+"-*.tmp")
	if err != nil {
		return &StorageError{Op: "put", Path: path, Err: err}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &StorageError{Op: "put", Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &StorageError{Op: "put", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &StorageError{Op: "put", Path: path, Err: err}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &StorageError{Op: "put", Path: path, Err: err}
	}
	return nil
}

// Get returns the record for id, or nil if there is none.
func (r *Registry) Get(id string) (*InstanceRecord, error) {
	path, err := r.path(id)
	if err != nil {
		return nil, err
	}
	return readRecord(path)
}

func readRecord(path string) (*InstanceRecord, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Path: path, Err: err}
	}

	var rec InstanceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &CorruptRecordError{Path: path, Err: err}
	}
	if rec.ID == "" {
		return nil, &CorruptRecordError{Path: path, Err: errors.New("missing id")}
	}
	if want := strings.TrimSuffix(filepath.Base(path), recordExt); rec.ID != want {
		return nil, &CorruptRecordError{Path: path, Err: fmt.Errorf("id %q does not match file name", rec.ID)}
	}
	return &rec, nil
}

// List returns every record in the directory. A missing directory is an
// empty registry. Entries that cannot be decoded are returned in
// Listing.Corrupt instead of failing the whole listing.
func (r *Registry) List() (*Listing, error) {
	listing := &Listing{Records: []InstanceRecord{}}

	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return listing, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "list", Path: r.dir, Err: err}
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != recordExt {
			continue
		}
		rec, err := readRecord(filepath.Join(r.dir, name))
		if err != nil {
			var corrupt *CorruptRecordError
			if errors.As(err, &corrupt) {
				listing.Corrupt = append(listing.Corrupt, corrupt)
				continue
			}
			return nil, err
		}
		if rec == nil {
			// Removed between ReadDir and ReadFile.
			continue
		}
		listing.Records = append(listing.Records, *rec)
	}
	return listing, nil
}

// Delete removes the record for id and returns what was removed. A missing
// record is not an error; the result is nil in that case. A corrupt record is
// still removed and returned as nil alongside no error.
func (r *Registry) Delete(id string) (*InstanceRecord, error) {
	path, err := r.path(id)
	if err != nil {
		return nil, err
	}

	rec, err := readRecord(path)
	if err != nil {
		var corrupt *CorruptRecordError
		if !errors.As(err, &corrupt) {
			return nil, err
		}
	}

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Op: "delete", Path: path, Err: err}
	}
	return rec, nil
}
