// Package session implements Dreamlake's lifecycle root: one Session per
// open experiment-tracking run, owning a ParamStore, LogStore, TrackEngine,
// and FileStore over the local on-disk layout, and optionally fanning every
// mutation out to a remote.Backend in REMOTE or HYBRID mode.
//
// The lifecycle (New/Open, Close idempotent, fan-out to owned stores) is
// grounded on this codebase's ancestor Application type: a wiring root built
// once in a constructor and torn down in one best-effort Close that never
// raises.
package session

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dreamlake/internal/config"
	"dreamlake/internal/dlerrors"
	"dreamlake/internal/dlmodel"
	"dreamlake/internal/filelock"
	"dreamlake/internal/filestore"
	"dreamlake/internal/layout"
	"dreamlake/internal/logstore"
	"dreamlake/internal/metrics"
	"dreamlake/internal/paramstore"
	"dreamlake/internal/remote"
	"dreamlake/internal/track"
)

// Options configures Open.
type Options struct {
	Root           string
	RemoteURL      string
	APIKey         string
	Readme         string
	Tags           []string
	Metadata       map[string]any
	WriteProtected bool
	LockTimeout    time.Duration
	Logger         *logrus.Logger
	Backend        remote.Backend // overrides the default HTTP backend; used by tests
}

// Session is one open Dreamlake experiment-tracking run.
type Session struct {
	mu sync.Mutex

	paths   *layout.Paths
	mode    dlmodel.Mode
	backend remote.Backend

	writeProtected bool
	open           bool
	closed         bool

	params *paramstore.Store
	logs   *logstore.Store
	tracks *track.Engine
	files  *filestore.Store

	trackNames map[string]struct{}
	logger     *logrus.Logger
}

// Open resolves prefix under root, creates the session directory tree
// lazily, and upserts session.json (preserving unknown fields already on
// disk). Mode is derived from which of opts.Root / opts.RemoteURL are set:
// both set → HYBRID; only RemoteURL → REMOTE; otherwise LOCAL.
func Open(ctx context.Context, prefix string, opts Options) (*Session, error) {
	cfg := config.Default()
	if opts.Root != "" {
		cfg.Root = opts.Root
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = cfg.LockTimeout
	}

	paths, err := layout.Resolve(opts.Root, prefix)
	if err != nil {
		return nil, err
	}

	mode := dlmodel.ModeLocal
	var backend remote.Backend
	switch {
	case opts.RemoteURL != "" && opts.Root != "":
		mode = dlmodel.ModeHybrid
	case opts.RemoteURL != "":
		mode = dlmodel.ModeRemote
	}
	if mode != dlmodel.ModeLocal {
		if opts.Backend != nil {
			backend = opts.Backend
		} else {
			apiKey := opts.APIKey
			if apiKey == "" {
				apiKey = os.Getenv(cfg.APIKeyEnvVar)
			}
			if apiKey == "" {
				return nil, dlerrors.New(dlerrors.CodeMissingCredentials, "session", "Open",
					"remote mode requires an API key").WithMetadata("env_var", cfg.APIKeyEnvVar)
			}
			backend = remote.NewHTTPBackend(opts.RemoteURL, apiKey, opts.Logger)
		}
	}

	// A remote-only session (Root unset) never touches disk: no session
	// directory, no session.json. Only LOCAL and HYBRID sessions have a root
	// to create a local copy under.
	localEnabled := mode != dlmodel.ModeRemote

	var meta dlmodel.SessionMeta
	if localEnabled {
		if err := os.MkdirAll(paths.Dir(), 0o755); err != nil {
			return nil, dlerrors.Wrap(dlerrors.CodeStorageIO, "session", "Open", "failed to create session directory", err)
		}
		meta, err = upsertSessionFile(paths, opts)
		if err != nil {
			return nil, err
		}
	} else {
		meta = sessionMetaFromOptions(paths, opts)
	}

	if mode != dlmodel.ModeLocal {
		if _, err := backend.CreateOrUpdateSession(ctx, meta); err != nil {
			if mode == dlmodel.ModeRemote {
				return nil, err
			}
			if opts.Logger != nil {
				opts.Logger.WithError(err).Warn("session: remote create_or_update_session failed, continuing in hybrid mode")
			}
			metrics.RemoteWriteErrors.WithLabelValues("create_or_update_session").Inc()
		}
	}

	s := &Session{
		paths:          paths,
		mode:           mode,
		backend:        backend,
		writeProtected: meta.WriteProtected,
		open:           true,
		params:         paramstore.New(paths.ParametersFile(), opts.LockTimeout, opts.Logger),
		logs:           logstore.New(paths.LogsFile(), opts.LockTimeout, opts.Logger),
		files: filestore.New(paths.FilesDir(), paths.FilesMetadataFile(), paths.FilesLockFile(),
			opts.LockTimeout, opts.Logger),
		trackNames: make(map[string]struct{}),
		logger:     opts.Logger,
	}
	s.tracks = track.New(func(name string) (string, string) {
		return paths.TrackDataFile(name), paths.TrackMetadataFile(name)
	}, opts.LockTimeout, opts.Logger)

	metrics.OpenSessions.Inc()
	return s, nil
}

// sessionMetaFromOptions builds the SessionMeta payload for
// CreateOrUpdateSession without touching disk, for remote-only sessions
// that have no local session.json to upsert.
func sessionMetaFromOptions(paths *layout.Paths, opts Options) dlmodel.SessionMeta {
	now := time.Now().UTC()
	tags := opts.Tags
	if tags == nil {
		tags = []string{}
	}
	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return dlmodel.SessionMeta{
		Name:           paths.Name,
		Workspace:      paths.Workspace,
		Readme:         opts.Readme,
		Tags:           tags,
		Metadata:       metadata,
		WriteProtected: opts.WriteProtected,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func upsertSessionFile(paths *layout.Paths, opts Options) (dlmodel.SessionMeta, error) {
	var meta dlmodel.SessionMeta
	err := filelock.With(context.Background(), paths.SessionFile()+".lock", opts.LockTimeout, opts.Logger, "session", func() error {
		existing, err := readSessionFileLocked(paths.SessionFile())
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		merged := existing
		if merged == nil {
			merged = make(map[string]any)
			merged["createdAt"] = now
		}
		merged["name"] = paths.Name
		merged["workspace"] = paths.Workspace
		if opts.Readme != "" {
			merged["readme"] = opts.Readme
		}
		if opts.Tags != nil {
			merged["tags"] = opts.Tags
		} else if _, ok := merged["tags"]; !ok {
			merged["tags"] = []string{}
		}
		if opts.Metadata != nil {
			merged["metadata"] = opts.Metadata
		} else if _, ok := merged["metadata"]; !ok {
			merged["metadata"] = map[string]any{}
		}
		if opts.WriteProtected {
			merged["writeProtected"] = true
		}
		merged["updatedAt"] = now

		payload, err := json.MarshalIndent(merged, "", "  ")
		if err != nil {
			return dlerrors.Wrap(dlerrors.CodeSerialization, "session", "upsertSessionFile", "failed to marshal session.json", err)
		}
		if err := writeAtomic(paths.SessionFile(), payload); err != nil {
			return err
		}

		return json.Unmarshal(payload, &meta)
	})
	return meta, err
}

func readSessionFileLocked(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dlerrors.Wrap(dlerrors.CodeStorageIO, "session", "readSessionFileLocked", "failed to read session.json", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, dlerrors.Wrap(dlerrors.CodeSerialization, "session", "readSessionFileLocked", "malformed session.json", err)
	}
	return m, nil
}

func writeAtomic(path string, payload []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "session", "writeAtomic", "failed to write temp session file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "session", "writeAtomic", "failed to rename session file", err)
	}
	return nil
}

func (s *Session) requireOpen() error {
	if !s.open || s.closed {
		return dlerrors.New(dlerrors.CodeNotOpen, "session", "requireOpen", "session is not open")
	}
	return nil
}

func (s *Session) requireWritable() error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	if s.writeProtected {
		return dlerrors.New(dlerrors.CodeWriteProtected, "session", "requireWritable", "session is write-protected")
	}
	return nil
}

// localEnabled reports whether this session has a local root and keeps a
// disk-backed copy (LOCAL, HYBRID). A REMOTE-only session (Root unset) has
// no local copy to fall back on: every read and write goes to s.backend.
func (s *Session) localEnabled() bool {
	return s.mode == dlmodel.ModeLocal || s.mode == dlmodel.ModeHybrid
}

// remoteEnabled reports whether this session mirrors writes to a backend.
func (s *Session) remoteEnabled() bool {
	return s.mode == dlmodel.ModeRemote || s.mode == dlmodel.ModeHybrid
}

// mirror runs fn against the remote backend; in HYBRID mode a failure is
// logged and counted but never fails the caller's local write (the local
// write is the record of truth). In REMOTE mode the failure surfaces.
func (s *Session) mirror(operation string, fn func() error) error {
	if !s.remoteEnabled() {
		return nil
	}
	token := idempotencyToken()
	if err := fn(); err != nil {
		if s.mode == dlmodel.ModeRemote {
			return err
		}
		metrics.RemoteWriteErrors.WithLabelValues(operation).Inc()
		if s.logger != nil {
			s.logger.WithError(err).
				WithField("operation", operation).
				WithField("fanout_id", token).
				Warn("session: remote mirror failed, local write stands")
		}
	}
	return nil
}

// SetParams flattens and merges tree into the persisted parameter map. In
// REMOTE mode there is no local parameter store; the flattened tree is sent
// to the backend directly.
func (s *Session) SetParams(ctx context.Context, tree map[string]any) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	flat := paramstore.Flatten(tree)
	if !s.localEnabled() {
		return s.backend.SetParams(ctx, s.paths.Prefix, flat)
	}
	if err := s.params.Set(ctx, tree); err != nil {
		return err
	}
	return s.mirror("set_params", func() error {
		return s.backend.SetParams(ctx, s.paths.Prefix, flat)
	})
}

// GetParams returns the persisted parameter map, flattened unless flatten
// is false. In REMOTE mode this reads the backend's flat map directly and
// reconstructs the nested tree client-side when flatten is false.
func (s *Session) GetParams(ctx context.Context, flatten bool) (map[string]any, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	if !s.localEnabled() {
		flat, err := s.backend.GetParams(ctx, s.paths.Prefix)
		if err != nil {
			return nil, err
		}
		if flatten {
			return flat, nil
		}
		return paramstore.Unflatten(flat), nil
	}
	return s.params.Get(ctx, flatten)
}

// Log appends one log record. In REMOTE mode there is no local sequence
// counter to assign from, so the record is sent straight to the backend and
// its SequenceNumber is left at the backend's discretion (reported as 0
// here; callers needing the authoritative sequence must read it back).
func (s *Session) Log(ctx context.Context, message string, level dlmodel.LogLevel, metadata map[string]any) (dlmodel.LogRecord, error) {
	if err := s.requireWritable(); err != nil {
		return dlmodel.LogRecord{}, err
	}
	if !s.localEnabled() {
		if !dlmodel.ValidLogLevel(level) {
			return dlmodel.LogRecord{}, dlerrors.New(dlerrors.CodeInvalidLevel, "session", "Log", "invalid log level").
				WithMetadata("level", string(level))
		}
		record := dlmodel.LogRecord{Timestamp: time.Now().UTC(), Level: level, Message: message, Metadata: metadata}
		if err := s.backend.AppendLogs(ctx, s.paths.Prefix, []dlmodel.LogRecord{record}); err != nil {
			return dlmodel.LogRecord{}, err
		}
		return record, nil
	}

	record, err := s.logs.Log(ctx, message, level, metadata, time.Time{})
	if err != nil {
		return dlmodel.LogRecord{}, err
	}
	_ = s.mirror("append_logs", func() error {
		return s.backend.AppendLogs(ctx, s.paths.Prefix, []dlmodel.LogRecord{record})
	})
	return record, nil
}

// Append buffers one sample on the named track. Buffering is pure
// in-memory bookkeeping regardless of mode; the buffer is only ever written
// somewhere (local disk or the backend) on Flush/AppendBatch/Close.
func (s *Session) Append(name string, fields map[string]any) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	s.trackNames[name] = struct{}{}
	s.mu.Unlock()
	if err := s.tracks.Append(name, fields); err != nil {
		return err
	}
	metrics.SamplesAppended.WithLabelValues(name).Inc()
	return nil
}

// AppendBatch writes rows directly to the named track, bypassing the
// buffer, and mirrors the batch to the remote backend when enabled. In
// REMOTE mode there is no local track log: any samples already buffered via
// Append are flushed to the backend first (preserving the same ordering
// guarantee the local path gives — see the append_batch ordering decision
// in DESIGN.md), then the batch itself is timestamp-assigned and sent.
func (s *Session) AppendBatch(ctx context.Context, name string, rows []map[string]any) (startIndex, endIndex uint64, count int, err error) {
	if err := s.requireWritable(); err != nil {
		return 0, 0, 0, err
	}
	s.mu.Lock()
	s.trackNames[name] = struct{}{}
	s.mu.Unlock()

	if !s.localEnabled() {
		if err := s.flushBufferToBackend(ctx, name); err != nil {
			return 0, 0, 0, err
		}
		assigned, err := s.tracks.AssignTimestamps(rows)
		if err != nil {
			return 0, 0, 0, err
		}
		start, end, n, err := s.backend.AppendTrackBatch(ctx, s.paths.Prefix, name, rowsToSamples(assigned))
		if err != nil {
			return 0, 0, 0, err
		}
		metrics.SamplesAppended.WithLabelValues(name).Add(float64(n))
		return start, end, n, nil
	}

	start, end, n, err := s.tracks.AppendBatch(ctx, name, rows)
	if err != nil {
		return 0, 0, 0, err
	}
	metrics.SamplesAppended.WithLabelValues(name).Add(float64(n))

	_ = s.mirror("append_track_batch", func() error {
		page, rerr := s.tracks.Read(ctx, name, start, n)
		if rerr != nil {
			return rerr
		}
		_, _, _, merr := s.backend.AppendTrackBatch(ctx, s.paths.Prefix, name, page.Data)
		return merr
	})
	return start, end, n, nil
}

// flushBufferToBackend ships name's pending buffered samples (if any)
// straight to the backend, for REMOTE-mode callers that have no local track
// log to flush into instead.
func (s *Session) flushBufferToBackend(ctx context.Context, name string) error {
	pending := s.tracks.TakeBuffered(name)
	if len(pending) == 0 {
		return nil
	}
	_, _, _, err := s.backend.AppendTrackBatch(ctx, s.paths.Prefix, name, rowsToSamples(pending))
	return err
}

func rowsToSamples(rows []map[string]any) []dlmodel.Sample {
	out := make([]dlmodel.Sample, len(rows))
	for i, row := range rows {
		out[i] = dlmodel.Sample{Index: uint64(i), Data: row}
	}
	return out
}

// Flush flushes one track's buffer: to local disk in LOCAL/HYBRID mode, or
// straight to the backend in REMOTE mode.
func (s *Session) Flush(ctx context.Context, name string) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	if !s.localEnabled() {
		return s.flushBufferToBackend(ctx, name)
	}
	return s.tracks.Flush(ctx, name)
}

// Read returns a page of the named track starting at startIndex. In REMOTE
// mode any buffered samples are flushed to the backend first so the read
// observes them, then the page is fetched from the backend directly.
func (s *Session) Read(ctx context.Context, name string, startIndex uint64, limit int) (dlmodel.ReadPage, error) {
	if err := s.requireOpen(); err != nil {
		return dlmodel.ReadPage{}, err
	}
	if !s.localEnabled() {
		if err := s.flushBufferToBackend(ctx, name); err != nil {
			return dlmodel.ReadPage{}, err
		}
		return s.backend.ReadTrack(ctx, s.paths.Prefix, name, startIndex, limit)
	}
	return s.tracks.Read(ctx, name, startIndex, limit)
}

// remoteReadAllLimit bounds the single ReadTrack call ReadByTime issues
// against the backend in REMOTE mode: the Backend interface has no
// time-range RPC, so ReadByTime fetches the full track and filters
// client-side the same way Engine.ReadByTime filters locally.
const remoteReadAllLimit = 1 << 20

// ReadByTime returns samples in [startTime, endTime) for the named track.
func (s *Session) ReadByTime(ctx context.Context, name string, startTime, endTime *float64, limit int, reverse bool) (dlmodel.TimeRangePage, error) {
	if err := s.requireOpen(); err != nil {
		return dlmodel.TimeRangePage{}, err
	}
	if !s.localEnabled() {
		if err := s.flushBufferToBackend(ctx, name); err != nil {
			return dlmodel.TimeRangePage{}, err
		}
		page, err := s.backend.ReadTrack(ctx, s.paths.Prefix, name, 0, remoteReadAllLimit)
		if err != nil {
			return dlmodel.TimeRangePage{}, err
		}
		return filterSamplesByTime(page.Data, startTime, endTime, limit, reverse), nil
	}
	return s.tracks.ReadByTime(ctx, name, startTime, endTime, limit, reverse)
}

// filterSamplesByTime applies the same half-open range, reverse-sort, and
// limit semantics Engine.ReadByTime applies locally, to a batch of samples
// already fetched in full from the backend.
func filterSamplesByTime(all []dlmodel.Sample, startTime, endTime *float64, limit int, reverse bool) dlmodel.TimeRangePage {
	matches := make([]dlmodel.Sample, 0, len(all))
	for _, sample := range all {
		ts, ok := sample.Ts()
		if !ok {
			continue
		}
		if startTime != nil && ts < *startTime {
			continue
		}
		if endTime != nil && ts >= *endTime {
			continue
		}
		matches = append(matches, sample)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		ti, _ := matches[i].Ts()
		tj, _ := matches[j].Ts()
		if reverse {
			return ti > tj
		}
		return ti < tj
	})

	hasMore := false
	if limit >= 0 && len(matches) > limit {
		hasMore = true
		matches = matches[:limit]
	}
	return dlmodel.TimeRangePage{Data: matches, StartTime: startTime, EndTime: endTime, HasMore: hasMore}
}

// Stats flushes then returns the named track's metadata.
func (s *Session) Stats(ctx context.Context, name string) (dlmodel.TrackMeta, error) {
	if err := s.requireOpen(); err != nil {
		return dlmodel.TrackMeta{}, err
	}
	if !s.localEnabled() {
		if err := s.flushBufferToBackend(ctx, name); err != nil {
			return dlmodel.TrackMeta{}, err
		}
		return s.backend.TrackStats(ctx, s.paths.Prefix, name)
	}
	return s.tracks.Stats(ctx, name)
}

// Tracks is an alias for ListAll, exposing every track ever appended to in
// this session's lifetime (the original exposes the same engine under two
// public names).
func (s *Session) Tracks(ctx context.Context) ([]dlmodel.TrackMeta, error) {
	return s.listAllTracks(ctx)
}

// Metrics is the same accessor as Tracks under a second name, mirroring the
// original's two public aliases over one underlying engine.
func (s *Session) Metrics(ctx context.Context) ([]dlmodel.TrackMeta, error) {
	return s.listAllTracks(ctx)
}

func (s *Session) listAllTracks(ctx context.Context) ([]dlmodel.TrackMeta, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	names := make([]string, 0, len(s.trackNames))
	for n := range s.trackNames {
		names = append(names, n)
	}
	s.mu.Unlock()

	if !s.localEnabled() {
		for _, name := range names {
			if err := s.flushBufferToBackend(ctx, name); err != nil {
				return nil, err
			}
		}
		return s.backend.ListTracks(ctx, s.paths.Prefix)
	}
	return s.tracks.ListAll(ctx, names)
}

// UploadFile uploads a local file as an attachment. In REMOTE mode the
// upload request goes straight to the backend; there is no local files
// directory to copy into.
func (s *Session) UploadFile(ctx context.Context, p filestore.UploadParams) (dlmodel.FileEntry, error) {
	if err := s.requireWritable(); err != nil {
		return dlmodel.FileEntry{}, err
	}
	req := dlmodel.UploadRequest{
		LocalPath: p.LocalPath, PathPrefix: p.PathPrefix, Filename: p.Filename,
		Description: p.Description, Tags: p.Tags, Metadata: p.Metadata, ContentType: p.ContentType,
	}
	if !s.localEnabled() {
		return s.backend.UploadFile(ctx, s.paths.Prefix, req)
	}

	entry, err := s.files.Upload(ctx, p)
	if err != nil {
		return dlmodel.FileEntry{}, err
	}
	_ = s.mirror("upload_file", func() error {
		_, merr := s.backend.UploadFile(ctx, s.paths.Prefix, req)
		return merr
	})
	return entry, nil
}

// ListFiles lists non-deleted file attachments.
func (s *Session) ListFiles(ctx context.Context, path string, tags []string) ([]dlmodel.FileEntry, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	if !s.localEnabled() {
		return s.backend.ListFiles(ctx, s.paths.Prefix, path, tags)
	}
	return s.files.List(ctx, path, tags)
}

// DownloadFile copies an attachment's blob to dest. The Backend interface
// exposes only file metadata (GetFile), not content transport, so a
// REMOTE-only session has no way to fetch the blob itself.
func (s *Session) DownloadFile(ctx context.Context, id, dest string) (string, error) {
	if err := s.requireOpen(); err != nil {
		return "", err
	}
	if !s.localEnabled() {
		return "", dlerrors.New(dlerrors.CodeRemoteTransport, "session", "DownloadFile",
			"remote-only sessions cannot download file content; the backend exposes file metadata only")
	}
	return s.files.Download(ctx, id, dest)
}

// UpdateFile applies a partial patch to a file attachment.
func (s *Session) UpdateFile(ctx context.Context, id string, patch dlmodel.FilePatch) (dlmodel.FileEntry, error) {
	if err := s.requireWritable(); err != nil {
		return dlmodel.FileEntry{}, err
	}
	if !s.localEnabled() {
		return s.backend.UpdateFile(ctx, s.paths.Prefix, id, patch)
	}

	entry, err := s.files.Update(ctx, id, patch)
	if err != nil {
		return dlmodel.FileEntry{}, err
	}
	_ = s.mirror("update_file", func() error {
		_, merr := s.backend.UpdateFile(ctx, s.paths.Prefix, id, patch)
		return merr
	})
	return entry, nil
}

// DeleteFile soft-deletes a file attachment.
func (s *Session) DeleteFile(ctx context.Context, id string) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	if !s.localEnabled() {
		return s.backend.DeleteFile(ctx, s.paths.Prefix, id)
	}
	if err := s.files.Delete(ctx, id); err != nil {
		return err
	}
	return s.mirror("delete_file", func() error {
		return s.backend.DeleteFile(ctx, s.paths.Prefix, id)
	})
}

// Summary reports aggregate counts across every store this session owns,
// for the CLI-facing status surface (an external collaborator; Summary
// itself is the data that surface needs).
type Summary struct {
	Prefix      string
	ParamCount  int
	LogCount    int
	TrackCount  int
	FileCount   int
	TotalPoints uint64
}

// Summary computes a read-only snapshot across every owned store. In
// REMOTE mode the log count is always 0: the Backend interface has no
// log-listing RPC, so there is nothing to count without fetching every log
// record the session has ever written.
func (s *Session) Summary(ctx context.Context) (Summary, error) {
	if err := s.requireOpen(); err != nil {
		return Summary{}, err
	}

	params, err := s.GetParams(ctx, true)
	if err != nil {
		return Summary{}, err
	}

	var logCount int
	if s.localEnabled() {
		logRecords, err := s.logs.ReadAll()
		if err != nil {
			return Summary{}, err
		}
		logCount = len(logRecords)
	}

	trackMetas, err := s.listAllTracks(ctx)
	if err != nil {
		return Summary{}, err
	}
	files, err := s.ListFiles(ctx, "", nil)
	if err != nil {
		return Summary{}, err
	}

	var total uint64
	for _, t := range trackMetas {
		total += t.TotalDataPoints
	}

	return Summary{
		Prefix:      s.paths.Prefix,
		ParamCount:  len(params),
		LogCount:    logCount,
		TrackCount:  len(trackMetas),
		FileCount:   len(files),
		TotalPoints: total,
	}, nil
}

// Close flushes every track buffer, aggregates any per-track flush errors
// into a single error (logged via LogStore before being swallowed upward as
// an aggregate, per the close-is-best-effort policy), and marks the session
// closed. Re-closing an already-closed session is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	names := make([]string, 0, len(s.trackNames))
	for n := range s.trackNames {
		names = append(names, n)
	}
	s.mu.Unlock()

	var flushErr *dlerrors.Error
	for _, name := range names {
		var err error
		if s.localEnabled() {
			err = s.tracks.Flush(ctx, name)
		} else {
			err = s.flushBufferToBackend(ctx, name)
		}
		if err != nil {
			if s.logger != nil {
				s.logger.WithError(err).WithField("track", name).Error("session: flush on close failed, data dropped")
			}
			if s.localEnabled() {
				_, _ = s.logs.Log(ctx, "flush on close failed, data dropped", dlmodel.LevelError,
					map[string]any{"track": name, "error": err.Error()}, time.Time{})
			}
			if flushErr == nil {
				flushErr = dlerrors.New(dlerrors.CodeSystemFailure, "session", "Close", "one or more tracks failed to flush on close")
			}
			flushErr.WithMetadata(name, err.Error())
		}
	}

	metrics.OpenSessions.Dec()
	s.open = false
	if flushErr != nil {
		return flushErr
	}
	return nil
}

// idempotencyToken returns a fresh correlation id for a HYBRID write
// fan-out, used in structured log fields to tie a local write to its
// best-effort remote mirror.
func idempotencyToken() string {
	return uuid.NewString()
}
