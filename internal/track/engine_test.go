package track

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"dreamlake/internal/dlerrors"
)

// TestMain verifies the concurrent append/flush paths below don't leak any
// goroutine past the end of the package's test run.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	paths := func(track string) (string, string) {
		base := filepath.Join(dir, "tracks", track)
		return filepath.Join(base, "data.msgpack"), filepath.Join(base, "metadata.json")
	}
	return New(paths, 5*time.Second, nil)
}

func ptr(f float64) *float64 { return &f }

// Scenario A: single sample.
func TestScenarioA_SingleSample(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Append("loss", map[string]any{"value": 0.5, "epoch": 1}))
	require.NoError(t, e.Flush(ctx, "loss"))

	page, err := e.Read(ctx, "loss", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, uint64(0), page.Data[0].Index)
	assert.Equal(t, 0.5, page.Data[0].Data["value"])

	meta, err := e.Stats(ctx, "loss")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), meta.TotalDataPoints)
}

// Scenario B: batch then single.
func TestScenarioB_BatchThenSingle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	start, end, count, err := e.AppendBatch(ctx, "m", []map[string]any{
		{"v": 1.0}, {"v": 2.0}, {"v": 3.0},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(3), end)
	assert.Equal(t, 3, count)

	require.NoError(t, e.Append("m", map[string]any{"v": 4.0}))
	require.NoError(t, e.Flush(ctx, "m"))

	page, err := e.Read(ctx, "m", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Data, 4)
	for i, want := range []float64{1, 2, 3, 4} {
		assert.Equal(t, uint64(i), page.Data[i].Index)
		assert.Equal(t, want, page.Data[i].Data["v"])
	}
}

// Scenario C: triple-merge on one track.
func TestScenarioC_TripleMergeSameTrack(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Append("s", map[string]any{"q": []any{0.1, 0.2}, "_ts": 1.0}))
	require.NoError(t, e.Append("s", map[string]any{"v": []any{0.01, 0.02}, "_ts": 1.0}))
	require.NoError(t, e.Append("s", map[string]any{"e": []any{0.5, 0.6, 0.7}, "_ts": 1.0}))
	require.NoError(t, e.Flush(ctx, "s"))

	page, err := e.Read(ctx, "s", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	sample := page.Data[0]
	assert.Equal(t, []any{0.1, 0.2}, sample.Data["q"])
	assert.Equal(t, []any{0.01, 0.02}, sample.Data["v"])
	assert.Equal(t, []any{0.5, 0.6, 0.7}, sample.Data["e"])
	assert.Equal(t, 1.0, sample.Data["_ts"])
}

// Scenario D: cross-track timestamp sync via _ts=-1.
func TestScenarioD_CrossTrackSync(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Append("pose", map[string]any{"p": []any{1.0, 2.0, 3.0}}))
	require.NoError(t, e.Append("cam", map[string]any{"w": 640, "h": 480, "_ts": -1}))
	require.NoError(t, e.Append("vel", map[string]any{"l": []any{0.1, 0.0, 0.0}, "_ts": -1}))

	require.NoError(t, e.Flush(ctx, "pose"))
	require.NoError(t, e.Flush(ctx, "cam"))
	require.NoError(t, e.Flush(ctx, "vel"))

	poseTs := readTs(t, ctx, e, "pose")
	camTs := readTs(t, ctx, e, "cam")
	velTs := readTs(t, ctx, e, "vel")

	assert.Equal(t, poseTs, camTs)
	assert.Equal(t, poseTs, velTs)
}

func readTs(t *testing.T, ctx context.Context, e *Engine, track string) float64 {
	t.Helper()
	page, err := e.Read(ctx, track, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	ts, ok := page.Data[0].Ts()
	require.True(t, ok)
	return ts
}

// Scenario E: reverse time-range read.
func TestScenarioE_ReverseTimeRead(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i <= 9; i++ {
		require.NoError(t, e.Append("t", map[string]any{"i": i, "_ts": float64(i)}))
	}
	require.NoError(t, e.Flush(ctx, "t"))

	page, err := e.ReadByTime(ctx, "t", nil, nil, 3, true)
	require.NoError(t, err)
	require.Len(t, page.Data, 3)
	for i, want := range []float64{9, 8, 7} {
		ts, _ := page.Data[i].Ts()
		assert.Equal(t, want, ts)
	}
}

func TestReadByTime_HalfOpenRangeAscending(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i <= 5; i++ {
		require.NoError(t, e.Append("t", map[string]any{"_ts": float64(i)}))
	}
	require.NoError(t, e.Flush(ctx, "t"))

	page, err := e.ReadByTime(ctx, "t", ptr(1), ptr(4), 10, false)
	require.NoError(t, err)
	require.Len(t, page.Data, 3)
	for i, want := range []float64{1, 2, 3} {
		ts, _ := page.Data[i].Ts()
		assert.Equal(t, want, ts)
	}
}

func TestAppend_InvalidTimestampFails(t *testing.T) {
	e := newTestEngine(t)
	err := e.Append("t", map[string]any{"_ts": "not-a-number"})
	require.Error(t, err)
	assert.True(t, dlerrors.Is(err, dlerrors.CodeInvalidTimestamp))
}

func TestIndexDensity_ConcurrentAppendAndBatch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if i%5 == 0 {
					_, _, _, err := e.AppendBatch(ctx, "track", []map[string]any{{"w": w, "i": i}})
					assert.NoError(t, err)
				} else {
					err := e.Append("track", map[string]any{"w": w, "i": i})
					assert.NoError(t, err)
				}
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, e.Flush(ctx, "track"))

	meta, err := e.Stats(ctx, "track")
	require.NoError(t, err)

	page, err := e.Read(ctx, "track", 0, int(meta.TotalDataPoints)+10)
	require.NoError(t, err)

	seen := make(map[uint64]bool)
	for _, s := range page.Data {
		assert.False(t, seen[s.Index], "duplicate index %d", s.Index)
		seen[s.Index] = true
	}
	assert.Len(t, seen, len(page.Data))
	for i := uint64(0); i < uint64(len(page.Data)); i++ {
		assert.True(t, seen[i], "missing index %d", i)
	}
}
