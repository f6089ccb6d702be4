package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dreamlake/internal/dlerrors"
	"dreamlake/internal/dlmodel"
	"dreamlake/internal/filestore"
	"dreamlake/internal/remote"
)

func testOpts(t *testing.T) Options {
	t.Helper()
	return Options{Root: t.TempDir(), LockTimeout: 5 * time.Second}
}

func TestOpen_CreatesSessionFileAndDirectory(t *testing.T) {
	opts := testOpts(t)
	s, err := Open(context.Background(), "ws/run1", opts)
	require.NoError(t, err)
	defer s.Close(context.Background())

	_, err = os.Stat(filepath.Join(opts.Root, "ws", "run1", "session.json"))
	require.NoError(t, err)
}

func TestOpen_InvalidPrefixFails(t *testing.T) {
	opts := testOpts(t)
	_, err := Open(context.Background(), "onlyone", opts)
	require.Error(t, err)
	assert.True(t, dlerrors.Is(err, dlerrors.CodeInvalidPrefix))
}

func TestOpen_IsIdempotentAndPreservesParams(t *testing.T) {
	opts := testOpts(t)
	ctx := context.Background()

	s1, err := Open(ctx, "ws/run1", opts)
	require.NoError(t, err)
	require.NoError(t, s1.SetParams(ctx, map[string]any{"lr": 0.01}))
	require.NoError(t, s1.Close(ctx))

	opts2 := opts
	opts2.Readme = "updated readme"
	s2, err := Open(ctx, "ws/run1", opts2)
	require.NoError(t, err)
	defer s2.Close(ctx)

	params, err := s2.GetParams(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 0.01, params["lr"])
}

func TestSetAndGetParams(t *testing.T) {
	s, err := Open(context.Background(), "ws/run1", testOpts(t))
	require.NoError(t, err)
	defer s.Close(context.Background())

	ctx := context.Background()
	require.NoError(t, s.SetParams(ctx, map[string]any{"model": map[string]any{"layers": 4}}))

	flat, err := s.GetParams(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, float64(4), flat["model.layers"])

	tree, err := s.GetParams(ctx, false)
	require.NoError(t, err)
	nested := tree["model"].(map[string]any)
	assert.Equal(t, float64(4), nested["layers"])
}

func TestLog_AppendsRecord(t *testing.T) {
	s, err := Open(context.Background(), "ws/run1", testOpts(t))
	require.NoError(t, err)
	defer s.Close(context.Background())

	rec, err := s.Log(context.Background(), "hello", dlmodel.LevelInfo, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rec.SequenceNumber)
}

func TestAppendAndRead_SingleSample(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "ws/run1", testOpts(t))
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.Append("loss", map[string]any{"value": 0.5}))
	require.NoError(t, s.Flush(ctx, "loss"))

	page, err := s.Read(ctx, "loss", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, 0.5, page.Data[0].Data["value"])
}

func TestWriteProtected_RejectsMutations(t *testing.T) {
	opts := testOpts(t)
	opts.WriteProtected = true
	ctx := context.Background()

	s, err := Open(ctx, "ws/run1", opts)
	require.NoError(t, err)
	defer s.Close(ctx)

	err = s.SetParams(ctx, map[string]any{"a": 1})
	require.Error(t, err)
	assert.True(t, dlerrors.Is(err, dlerrors.CodeWriteProtected))

	err = s.Append("t", map[string]any{"x": 1})
	require.Error(t, err)
	assert.True(t, dlerrors.Is(err, dlerrors.CodeWriteProtected))

	_, err = s.GetParams(ctx, true)
	require.NoError(t, err)
}

func TestClose_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "ws/run1", testOpts(t))
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))
}

func TestOperationsAfterClose_FailNotOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "ws/run1", testOpts(t))
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	_, err = s.GetParams(ctx, true)
	require.Error(t, err)
	assert.True(t, dlerrors.Is(err, dlerrors.CodeNotOpen))
}

func TestHybridMode_MirrorsWritesToBackend(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemoryBackend()
	opts := testOpts(t)
	opts.RemoteURL = "http://example.invalid"
	opts.Backend = backend

	s, err := Open(ctx, "ws/run1", opts)
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.SetParams(ctx, map[string]any{"lr": 0.1}))

	remoteParams, err := backend.GetParams(ctx, "ws/run1")
	require.NoError(t, err)
	assert.Equal(t, 0.1, remoteParams["lr"])
}

func TestHybridMode_RemoteFailureDoesNotFailLocalWrite(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemoryBackend()
	opts := testOpts(t)
	opts.RemoteURL = "http://example.invalid"
	opts.Backend = backend

	s, err := Open(ctx, "ws/run1", opts)
	require.NoError(t, err)
	defer s.Close(ctx)

	backend.FailNext = assert.AnError
	err = s.SetParams(ctx, map[string]any{"lr": 0.2})
	require.NoError(t, err)

	params, err := s.GetParams(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 0.2, params["lr"])
}

func TestUploadListDownloadFile(t *testing.T) {
	ctx := context.Background()
	opts := testOpts(t)
	s, err := Open(ctx, "ws/run1", opts)
	require.NoError(t, err)
	defer s.Close(ctx)

	src := filepath.Join(opts.Root, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	entry, err := s.UploadFile(ctx, filestore.UploadParams{LocalPath: src, PathPrefix: "/x"})
	require.NoError(t, err)

	entries, err := s.ListFiles(ctx, "/x", nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)

	dest := filepath.Join(opts.Root, "out.txt")
	got, err := s.DownloadFile(ctx, entry.ID, dest)
	require.NoError(t, err)
	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestSummary_ReportsAggregateCounts(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "ws/run1", testOpts(t))
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.SetParams(ctx, map[string]any{"a": 1, "b": 2}))
	_, err = s.Log(ctx, "hi", dlmodel.LevelInfo, nil)
	require.NoError(t, err)
	require.NoError(t, s.Append("loss", map[string]any{"v": 1.0}))
	require.NoError(t, s.Flush(ctx, "loss"))

	summary, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.ParamCount)
	assert.Equal(t, 1, summary.LogCount)
	assert.Equal(t, 1, summary.TrackCount)
	assert.Equal(t, uint64(1), summary.TotalPoints)
}

func TestTracksAndMetricsAliases_ReturnSameData(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "ws/run1", testOpts(t))
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.Append("loss", map[string]any{"v": 1.0}))
	require.NoError(t, s.Flush(ctx, "loss"))

	a, err := s.Tracks(ctx)
	require.NoError(t, err)
	b, err := s.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
