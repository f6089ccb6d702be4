package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dreamlake/internal/dlmodel"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	filesDir := filepath.Join(dir, "files")
	return New(filesDir, filepath.Join(filesDir, ".files_metadata.json"), filepath.Join(filesDir, ".files_metadata.lock"), 5*time.Second, nil), dir
}

func writeSourceFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestUpload_ComputesChecksumAndPersistsEntry(t *testing.T) {
	s, dir := newTestStore(t)
	src := writeSourceFile(t, dir, "a.txt", "hello world")

	entry, err := s.Upload(context.Background(), UploadParams{LocalPath: src, PathPrefix: "/test"})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, int64(len("hello world")), entry.SizeBytes)
	assert.Len(t, entry.Checksum, 64)

	entries, err := s.List(context.Background(), "", nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
}

func TestList_FiltersByPathAndTags(t *testing.T) {
	s, dir := newTestStore(t)
	srcA := writeSourceFile(t, dir, "a.txt", "a")
	srcB := writeSourceFile(t, dir, "b.txt", "b")
	ctx := context.Background()

	_, err := s.Upload(ctx, UploadParams{LocalPath: srcA, PathPrefix: "/x", Tags: []string{"keep"}})
	require.NoError(t, err)
	_, err = s.Upload(ctx, UploadParams{LocalPath: srcB, PathPrefix: "/y", Tags: []string{"drop"}})
	require.NoError(t, err)

	byPath, err := s.List(ctx, "/x", nil)
	require.NoError(t, err)
	assert.Len(t, byPath, 1)

	byTag, err := s.List(ctx, "", []string{"keep"})
	require.NoError(t, err)
	assert.Len(t, byTag, 1)
}

func TestDelete_IsSoftAndHidesFromList(t *testing.T) {
	s, dir := newTestStore(t)
	src := writeSourceFile(t, dir, "a.txt", "a")
	ctx := context.Background()

	entry, err := s.Upload(ctx, UploadParams{LocalPath: src, PathPrefix: "/x"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, entry.ID))

	entries, err := s.List(ctx, "", nil)
	require.NoError(t, err)
	assert.Empty(t, entries)

	blobPath := filepath.Join(s.filesDir, entry.ID, entry.Filename)
	_, statErr := os.Stat(blobPath)
	assert.NoError(t, statErr, "blob must remain on disk after a soft delete")
}

func TestDownload_CopiesBlobToDest(t *testing.T) {
	s, dir := newTestStore(t)
	src := writeSourceFile(t, dir, "a.txt", "payload")
	ctx := context.Background()

	entry, err := s.Upload(ctx, UploadParams{LocalPath: src, PathPrefix: "/x"})
	require.NoError(t, err)

	dest := filepath.Join(dir, "out.txt")
	got, err := s.Download(ctx, entry.ID, dest)
	require.NoError(t, err)
	assert.Equal(t, dest, got)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestUpdate_PartialPatch(t *testing.T) {
	s, dir := newTestStore(t)
	src := writeSourceFile(t, dir, "a.txt", "a")
	ctx := context.Background()

	entry, err := s.Upload(ctx, UploadParams{LocalPath: src, PathPrefix: "/x", Description: "orig"})
	require.NoError(t, err)

	desc := "updated"
	updated, err := s.Update(ctx, entry.ID, dlmodel.FilePatch{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "updated", updated.Description)
}

func TestConcurrentUploads_AllDistinctNoDuplicateIDs(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := writeSourceFile(t, dir, fmt.Sprintf("f%d.txt", i), fmt.Sprintf("content-%d", i))
			_, err := s.Upload(ctx, UploadParams{LocalPath: src, PathPrefix: "/test"})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := s.List(ctx, "/test", nil)
	require.NoError(t, err)
	require.Len(t, entries, n)

	seen := make(map[string]bool)
	for _, e := range entries {
		assert.False(t, seen[e.ID], "duplicate id %s", e.ID)
		seen[e.ID] = true
	}
}
