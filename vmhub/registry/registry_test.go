package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id, name string) InstanceRecord {
	return InstanceRecord{
		ID:      id,
		Name:    name,
		SSHPort: 50022,
		PID:     1234,
		Status:  StatusRunning,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	reg := New(filepath.Join(t.TempDir(), "vms"))
	rec := testRecord("test-1", "Test VM 1")

	require.NoError(t, reg.Put(rec))

	got, err := reg.Get("test-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, *got)

	removed, err := reg.Delete("test-1")
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, rec, *removed)

	got, err = reg.Get("test-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutOverwritesWholeRecord(t *testing.T) {
	reg := New(t.TempDir())
	rec := testRecord("vm-a", "x")
	require.NoError(t, reg.Put(rec))

	rec.PID = 222
	rec.Status = StatusStopped
	require.NoError(t, reg.Put(rec))

	got, err := reg.Get("vm-a")
	require.NoError(t, err)
	assert.Equal(t, 222, got.PID)
	assert.Equal(t, StatusStopped, got.Status)

	// No temporary files are left behind.
	entries, err := os.ReadDir(reg.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "vm-a.json", entries[0].Name())
}

func TestGetNonexistent(t *testing.T) {
	reg := New(t.TempDir())
	got, err := reg.Get("nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0644))

	got, err := reg.Get("broken")
	assert.Nil(t, got)
	var corrupt *CorruptRecordError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, filepath.Join(dir, "broken.json"), corrupt.Path)
}

func TestRecordIDMustMatchFileName(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir)
	data, err := json.Marshal(testRecord("B", "x"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.json"), data, 0644))

	got, err := reg.Get("A")
	assert.Nil(t, got)
	var corrupt *CorruptRecordError
	require.ErrorAs(t, err, &corrupt)
	assert.Contains(t, corrupt.Error(), "does not match file name")

	got, err = reg.Get("B")
	require.NoError(t, err)
	assert.Nil(t, got)

	listing, err := reg.List()
	require.NoError(t, err)
	assert.Empty(t, listing.Records)
	require.Len(t, listing.Corrupt, 1)
	assert.Equal(t, filepath.Join(dir, "A.json"), listing.Corrupt[0].Path)

	// The mismatched file can still be removed under its file name.
	_, err = reg.Delete("A")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "A.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestListCompleteness(t *testing.T) {
	reg := New(t.TempDir())
	want := map[string]InstanceRecord{}
	for i := 0; i < 10; i++ {
		rec := testRecord(fmt.Sprintf("id-%d", i), fmt.Sprintf("vm-%d", i))
		want[rec.ID] = rec
		require.NoError(t, reg.Put(rec))
	}

	listing, err := reg.List()
	require.NoError(t, err)
	assert.Empty(t, listing.Corrupt)
	require.Len(t, listing.Records, len(want))
	for _, rec := range listing.Records {
		assert.Equal(t, want[rec.ID], rec)
	}
}

func TestListMissingDirectory(t *testing.T) {
	reg := New(filepath.Join(t.TempDir(), "does", "not", "exist"))
	listing, err := reg.List()
	require.NoError(t, err)
	assert.NotNil(t, listing.Records)
	assert.Empty(t, listing.Records)
	assert.Empty(t, listing.Corrupt)
}

func TestListSurfacesCorruptEntries(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir)
	require.NoError(t, reg.Put(testRecord("good", "good")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("garbage"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".good-123.tmp"), []byte("{}"), 0644))

	listing, err := reg.List()
	require.NoError(t, err)
	require.Len(t, listing.Records, 1)
	assert.Equal(t, "good", listing.Records[0].ID)
	require.Len(t, listing.Corrupt, 1)
	assert.Equal(t, filepath.Join(dir, "bad.json"), listing.Corrupt[0].Path)
}

func TestDeleteNonexistentIsIdempotent(t *testing.T) {
	reg := New(t.TempDir())
	for i := 0; i < 2; i++ {
		removed, err := reg.Delete("nonexistent")
		require.NoError(t, err)
		assert.Nil(t, removed)
	}
}

func TestInvalidIDs(t *testing.T) {
	reg := New(t.TempDir())
	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		_, err := reg.Get(id)
		assert.True(t, errors.Is(err, ErrInvalidID), "id %q", id)
		err = reg.Put(InstanceRecord{ID: id})
		assert.True(t, errors.Is(err, ErrInvalidID), "id %q", id)
	}
}

func TestPutStorageError(t *testing.T) {
	dir := t.TempDir()
	// A regular file where the registry directory should be.
	blocker := filepath.Join(dir, "vms")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	err := New(blocker).Put(testRecord("x", "x"))
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "put", storageErr.Op)
}

func TestConcurrentPutsDifferentIDs(t *testing.T) {
	reg := New(t.TempDir())
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, reg.Put(testRecord(fmt.Sprintf("c-%d", i), "vm")))
		}(i)
	}
	wg.Wait()

	listing, err := reg.List()
	require.NoError(t, err)
	assert.Len(t, listing.Records, 32)
}

func TestRunning(t *testing.T) {
	assert.True(t, InstanceRecord{PID: 10}.Running())
	assert.False(t, InstanceRecord{PID: 0}.Running())
	assert.True(t, InstanceRecord{PID: 10, Status: StatusRunning}.Running())
	assert.False(t, InstanceRecord{PID: 10, Status: StatusStopped}.Running())
}
