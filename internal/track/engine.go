// Package track implements the per-session in-memory track buffer: the
// timestamp-assignment and same-timestamp merge policy, flush to the
// mixed row/columnar append log, and index/time-range reads.
//
// The buffer/metadata shape is grounded on this codebase's ancestor sidecar
// managers (a mutex-guarded map with a dirty flag, snapshotted under lock
// and written outside it) generalized from "positions per watched file" to
// "buffered samples per track name".
package track

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dreamlake/internal/codec"
	"dreamlake/internal/dlerrors"
	"dreamlake/internal/dlmodel"
	"dreamlake/internal/filelock"
	"dreamlake/internal/metrics"
)

// PathFunc resolves a track name to its data.msgpack and metadata.json
// paths, matching internal/layout.Paths.TrackDataFile /
// TrackMetadataFile. Kept as an interface seam so tests don't need a full
// session directory tree.
type PathFunc func(track string) (dataPath, metaPath string)

// Engine owns every track buffer for one session.
type Engine struct {
	mu          sync.Mutex
	buffers     map[string][]map[string]any
	lastTs      *float64
	lastAutoTs  float64
	paths       PathFunc
	lockTimeout time.Duration
	logger      *logrus.Logger
}

// New returns an Engine that resolves track paths via paths.
func New(paths PathFunc, lockTimeout time.Duration, logger *logrus.Logger) *Engine {
	return &Engine{
		buffers:     make(map[string][]map[string]any),
		paths:       paths,
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

// Append buffers one sample for track name after assigning its timestamp
// under the session-level mutex. It does not touch disk.
func (e *Engine) Append(name string, fields map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	row, err := e.assignTimestampLocked(fields)
	if err != nil {
		return err
	}
	e.buffers[name] = append(e.buffers[name], row)
	return nil
}

// assignTimestampLocked implements §4.7.1 steps 1-6. Must be called while
// holding e.mu.
func (e *Engine) assignTimestampLocked(fields map[string]any) (map[string]any, error) {
	row := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		row[k] = v
	}

	raw, present := row[dlmodel.TsField]
	var ts float64

	switch {
	case !present:
		ts = e.nextAutoTsLocked()
	case isMinusOne(raw):
		if e.lastTs != nil {
			ts = *e.lastTs
		} else {
			ts = e.nextAutoTsLocked()
		}
	default:
		f, ok := toFloat64(raw)
		if !ok {
			return nil, dlerrors.New(dlerrors.CodeInvalidTimestamp, "track", "assignTimestampLocked",
				"_ts must be numeric").WithMetadata("value", raw)
		}
		ts = f
	}

	row[dlmodel.TsField] = ts
	e.lastTs = &ts
	return row, nil
}

func (e *Engine) nextAutoTsLocked() float64 {
	now := float64(time.Now().UnixNano()) / 1e9
	ts := now
	if e.lastAutoTs+1e-6 > ts {
		ts = e.lastAutoTs + 1e-6
	}
	e.lastAutoTs = ts
	return ts
}

func isMinusOne(v any) bool {
	f, ok := toFloat64(v)
	return ok && f == -1
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// TakeBuffered removes and returns the pending, merged-by-timestamp samples
// for name without writing them anywhere. Used by callers that write
// elsewhere than this engine's own append log (a remote-only session
// forwarding buffered samples to a backend instead of disk).
func (e *Engine) TakeBuffered(name string) []map[string]any {
	e.mu.Lock()
	pending := e.buffers[name]
	delete(e.buffers, name)
	e.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	return mergeByTimestamp(pending)
}

// AssignTimestamps applies the timestamp policy (§4.7.1) to each row in
// order under the engine's mutex, without buffering or writing them. Used
// by callers assembling a batch for a destination other than this engine's
// own append log.
func (e *Engine) AssignTimestamps(rows []map[string]any) ([]map[string]any, error) {
	assigned := make([]map[string]any, 0, len(rows))
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, fields := range rows {
		row, err := e.assignTimestampLocked(fields)
		if err != nil {
			return nil, err
		}
		assigned = append(assigned, row)
	}
	return assigned, nil
}

// AppendBatch applies the timestamp policy to each row in order, flushes
// any pending buffer for name first (so the batch's indices never precede
// an earlier-timestamped buffered sample — see the §9 append_batch
// ordering decision in DESIGN.md), then writes the rows directly as one
// columnar entry under the per-track index lock.
func (e *Engine) AppendBatch(ctx context.Context, name string, rows []map[string]any) (startIndex, endIndex uint64, count int, err error) {
	if err := e.Flush(ctx, name); err != nil {
		return 0, 0, 0, err
	}

	assigned, err := e.AssignTimestamps(rows)
	if err != nil {
		return 0, 0, 0, err
	}

	dataPath, metaPath := e.paths(name)
	start, end, werr := writeEntryLocked(ctx, dataPath, metaPath, e.lockTimeout, e.logger, assigned, true)
	if werr != nil {
		return 0, 0, 0, werr
	}
	return start, end, len(assigned), nil
}

// Flush moves the buffered samples for name (merged by same-timestamp, per
// §4.7.2) to the track's append log. The buffer is cleared before the
// backend write; on write failure the buffered data is considered lost,
// matching the deliberate at-most-once policy in §4.7.3.
func (e *Engine) Flush(ctx context.Context, name string) error {
	merged := e.TakeBuffered(name)
	if len(merged) == 0 {
		return nil
	}

	dataPath, metaPath := e.paths(name)
	_, _, err := writeEntryLocked(ctx, dataPath, metaPath, e.lockTimeout, e.logger, merged, len(merged) > 1)
	return err
}

// FlushAll flushes every track with a non-empty buffer.
func (e *Engine) FlushAll(ctx context.Context) error {
	e.mu.Lock()
	names := make([]string, 0, len(e.buffers))
	for name := range e.buffers {
		names = append(names, name)
	}
	e.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		if err := e.Flush(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// mergeByTimestamp implements §4.7.2: group by _ts, later rows in a group
// overwrite earlier rows' fields, groups are sorted ascending by _ts.
func mergeByTimestamp(rows []map[string]any) []map[string]any {
	order := make([]float64, 0)
	groups := make(map[float64]map[string]any)

	for _, row := range rows {
		ts, _ := dlmodel.Sample{Data: row}.Ts()
		existing, ok := groups[ts]
		if !ok {
			order = append(order, ts)
			existing = make(map[string]any)
			groups[ts] = existing
		}
		for k, v := range row {
			existing[k] = v
		}
	}

	sort.Float64s(order)
	merged := make([]map[string]any, len(order))
	for i, ts := range order {
		merged[i] = groups[ts]
	}
	return merged
}

// writeEntryLocked assigns dense indices under the per-track metadata
// lock, writes the rows as one entry (row if exactly one row and
// forceColumnar is false, columnar otherwise) to dataPath, and advances
// totalDataPoints.
func writeEntryLocked(ctx context.Context, dataPath, metaPath string, lockTimeout time.Duration, logger *logrus.Logger, rows []map[string]any, forceColumnar bool) (startIndex, endIndex uint64, err error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}

	flushStarted := time.Now()
	lockErr := filelock.With(ctx, metaPath+".lock", lockTimeout, logger, "tracks", func() error {
		meta, rerr := readMetaLocked(metaPath)
		if rerr != nil {
			return rerr
		}

		startIndex = meta.TotalDataPoints
		endIndex = startIndex + uint64(len(rows))

		if werr := appendEntryToLog(dataPath, rows, forceColumnar); werr != nil {
			return werr
		}

		now := time.Now().UTC()
		meta.TotalDataPoints = endIndex
		meta.UpdatedAt = now
		if meta.CreatedAt.IsZero() {
			meta.CreatedAt = now
		}
		if meta.FirstDataAt == nil {
			meta.FirstDataAt = &now
		}
		meta.LastDataAt = &now

		return writeMetaLocked(metaPath, meta)
	})
	metrics.FlushDuration.WithLabelValues("tracks").Observe(time.Since(flushStarted).Seconds())
	if lockErr != nil {
		return 0, 0, lockErr
	}
	return startIndex, endIndex, nil
}

func appendEntryToLog(dataPath string, rows []map[string]any, forceColumnar bool) error {
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "track", "appendEntryToLog", "failed to create track directory", err)
	}
	f, err := os.OpenFile(dataPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "track", "appendEntryToLog", "failed to open data.msgpack", err)
	}
	defer f.Close()

	counted := &countingWriter{w: f}

	// A sample's index is its position in the decoded stream, not a field
	// persisted in the entry itself: indices are dense and assigned under
	// the same metadata-counter critical section that appends the entry.
	if len(rows) == 1 && !forceColumnar {
		if err := codec.EncodeRow(counted, rows[0]); err != nil {
			return err
		}
	} else if err := codec.EncodeBatch(counted, rows); err != nil {
		return err
	}
	metrics.BytesWritten.WithLabelValues("tracks").Add(float64(counted.n))
	return f.Sync()
}

// countingWriter tallies bytes written through it without altering what the
// underlying writer sees, so appendEntryToLog can report BytesWritten
// without relying on file-offset arithmetic an O_APPEND fd doesn't expose.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func readMetaLocked(path string) (dlmodel.TrackMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return dlmodel.TrackMeta{Tags: []string{}, Metadata: map[string]any{}}, nil
		}
		return dlmodel.TrackMeta{}, dlerrors.Wrap(dlerrors.CodeStorageIO, "track", "readMetaLocked", "failed to read track metadata", err)
	}
	var meta dlmodel.TrackMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return dlmodel.TrackMeta{}, dlerrors.Wrap(dlerrors.CodeSerialization, "track", "readMetaLocked", "malformed track metadata", err)
	}
	return meta, nil
}

func writeMetaLocked(path string, meta dlmodel.TrackMeta) error {
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return dlerrors.Wrap(dlerrors.CodeSerialization, "track", "writeMetaLocked", "failed to marshal track metadata", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "track", "writeMetaLocked", "failed to create track directory", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "track", "writeMetaLocked", "failed to write temp track metadata", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "track", "writeMetaLocked", "failed to rename track metadata", err)
	}
	return nil
}

// Stats flushes name then returns its metadata.
func (e *Engine) Stats(ctx context.Context, name string) (dlmodel.TrackMeta, error) {
	if err := e.Flush(ctx, name); err != nil {
		return dlmodel.TrackMeta{}, err
	}
	_, metaPath := e.paths(name)
	var meta dlmodel.TrackMeta
	err := filelock.With(ctx, metaPath+".lock", e.lockTimeout, e.logger, "tracks", func() error {
		m, rerr := readMetaLocked(metaPath)
		if rerr != nil {
			return rerr
		}
		meta = m
		return nil
	})
	meta.Name = name
	return meta, err
}

// ListAll flushes every track then returns each one's metadata. names
// must be supplied by the caller (Session knows every track it has ever
// touched); the engine itself only tracks in-memory buffer state.
func (e *Engine) ListAll(ctx context.Context, names []string) ([]dlmodel.TrackMeta, error) {
	if err := e.FlushAll(ctx); err != nil {
		return nil, err
	}
	out := make([]dlmodel.TrackMeta, 0, len(names))
	for _, name := range names {
		meta, err := e.Stats(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

// Read sequentially scans the append log, expanding columnar batches, and
// returns the page described by start index and limit.
func (e *Engine) Read(ctx context.Context, name string, startIndex uint64, limit int) (dlmodel.ReadPage, error) {
	if err := e.Flush(ctx, name); err != nil {
		return dlmodel.ReadPage{}, err
	}

	all, err := e.decodeAll(name)
	if err != nil {
		return dlmodel.ReadPage{}, err
	}

	var page []dlmodel.Sample
	for _, s := range all {
		if s.Index < startIndex {
			continue
		}
		if len(page) >= limit {
			break
		}
		page = append(page, s)
	}

	hasMore := false
	if len(page) > 0 {
		lastIdx := page[len(page)-1].Index
		for _, s := range all {
			if s.Index > lastIdx {
				hasMore = true
				break
			}
		}
	} else {
		for _, s := range all {
			if s.Index >= startIndex {
				hasMore = true
				break
			}
		}
	}

	endIndex := startIndex
	if len(page) > 0 {
		endIndex = page[len(page)-1].Index + 1
	}

	return dlmodel.ReadPage{
		Data:       page,
		StartIndex: startIndex,
		EndIndex:   endIndex,
		Total:      len(page),
		HasMore:    hasMore,
	}, nil
}

// ReadByTime filters rows with startTime <= _ts < endTime (either bound
// optional), returning up to limit matches ascending by _ts, or descending
// when reverse is true.
func (e *Engine) ReadByTime(ctx context.Context, name string, startTime, endTime *float64, limit int, reverse bool) (dlmodel.TimeRangePage, error) {
	if err := e.Flush(ctx, name); err != nil {
		return dlmodel.TimeRangePage{}, err
	}

	all, err := e.decodeAll(name)
	if err != nil {
		return dlmodel.TimeRangePage{}, err
	}

	var matches []dlmodel.Sample
	for _, s := range all {
		ts, ok := s.Ts()
		if !ok {
			continue
		}
		if startTime != nil && ts < *startTime {
			continue
		}
		if endTime != nil && ts >= *endTime {
			continue
		}
		matches = append(matches, s)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		ti, _ := matches[i].Ts()
		tj, _ := matches[j].Ts()
		if reverse {
			return ti > tj
		}
		return ti < tj
	})

	hasMore := limit >= 0 && len(matches) > limit
	if limit >= 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	return dlmodel.TimeRangePage{
		Data:      matches,
		StartTime: startTime,
		EndTime:   endTime,
		HasMore:   hasMore,
	}, nil
}

func (e *Engine) decodeAll(name string) ([]dlmodel.Sample, error) {
	dataPath, _ := e.paths(name)
	f, err := os.Open(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dlerrors.Wrap(dlerrors.CodeStorageIO, "track", "decodeAll", "failed to open data.msgpack", err)
	}
	defer f.Close()

	raw, err := codec.DecodeAll(f)
	if err != nil {
		return nil, err
	}

	out := make([]dlmodel.Sample, len(raw))
	for i, row := range raw {
		out[i] = dlmodel.Sample{Index: uint64(i), Data: row}
	}
	return out, nil
}
