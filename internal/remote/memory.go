package remote

import (
	"context"
	"sync"

	"dreamlake/internal/dlerrors"
	"dreamlake/internal/dlmodel"
)

// MemoryBackend is an in-process fake Backend used to exercise HYBRID-mode
// write fan-out without a network dependency. It is not used by production
// code; Session only ever depends on the Backend interface.
type MemoryBackend struct {
	mu       sync.Mutex
	sessions map[string]dlmodel.SessionMeta
	logs     map[string][]dlmodel.LogRecord
	params   map[string]map[string]any
	tracks   map[string][]dlmodel.Sample
	files    map[string][]dlmodel.FileEntry

	// FailNext, when non-nil, is returned by the next call and then reset,
	// letting tests exercise the "remote leg fails" path deterministically.
	FailNext error
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string]dlmodel.SessionMeta),
		logs:     make(map[string][]dlmodel.LogRecord),
		params:   make(map[string]map[string]any),
		tracks:   make(map[string][]dlmodel.Sample),
		files:    make(map[string][]dlmodel.FileEntry),
	}
}

func (m *MemoryBackend) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

func (m *MemoryBackend) CreateOrUpdateSession(ctx context.Context, s dlmodel.SessionMeta) (dlmodel.SessionMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return dlmodel.SessionMeta{}, err
	}
	m.sessions[s.Name] = s
	return s, nil
}

func (m *MemoryBackend) AppendLogs(ctx context.Context, sessionID string, records []dlmodel.LogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.logs[sessionID] = append(m.logs[sessionID], records...)
	return nil
}

func (m *MemoryBackend) SetParams(ctx context.Context, sessionID string, flat map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	dst := m.params[sessionID]
	if dst == nil {
		dst = make(map[string]any)
	}
	for k, v := range flat {
		dst[k] = v
	}
	m.params[sessionID] = dst
	return nil
}

func (m *MemoryBackend) GetParams(ctx context.Context, sessionID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	return m.params[sessionID], nil
}

func (m *MemoryBackend) AppendTrackBatch(ctx context.Context, sessionID, track string, points []dlmodel.Sample) (uint64, uint64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return 0, 0, 0, err
	}
	key := sessionID + "/" + track
	start := uint64(len(m.tracks[key]))
	m.tracks[key] = append(m.tracks[key], points...)
	return start, start + uint64(len(points)), len(points), nil
}

func (m *MemoryBackend) ReadTrack(ctx context.Context, sessionID, track string, startIndex uint64, limit int) (dlmodel.ReadPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return dlmodel.ReadPage{}, err
	}
	all := m.tracks[sessionID+"/"+track]
	var page []dlmodel.Sample
	for _, s := range all {
		if s.Index < startIndex || len(page) >= limit {
			continue
		}
		page = append(page, s)
	}
	return dlmodel.ReadPage{Data: page, StartIndex: startIndex, Total: len(page)}, nil
}

func (m *MemoryBackend) TrackStats(ctx context.Context, sessionID, track string) (dlmodel.TrackMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return dlmodel.TrackMeta{}, err
	}
	all := m.tracks[sessionID+"/"+track]
	return dlmodel.TrackMeta{Name: track, TotalDataPoints: uint64(len(all))}, nil
}

func (m *MemoryBackend) ListTracks(ctx context.Context, sessionID string) ([]dlmodel.TrackMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	var out []dlmodel.TrackMeta
	prefix := sessionID + "/"
	for key, points := range m.tracks {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, dlmodel.TrackMeta{Name: key[len(prefix):], TotalDataPoints: uint64(len(points))})
		}
	}
	return out, nil
}

func (m *MemoryBackend) UploadFile(ctx context.Context, sessionID string, req dlmodel.UploadRequest) (dlmodel.FileEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return dlmodel.FileEntry{}, err
	}
	entry := dlmodel.FileEntry{
		Filename:    req.Filename,
		Path:        req.PathPrefix,
		Description: req.Description,
		Tags:        req.Tags,
		Metadata:    req.Metadata,
		ContentType: req.ContentType,
	}
	m.files[sessionID] = append(m.files[sessionID], entry)
	return entry, nil
}

func (m *MemoryBackend) ListFiles(ctx context.Context, sessionID, path string, tags []string) ([]dlmodel.FileEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	return m.files[sessionID], nil
}

func (m *MemoryBackend) GetFile(ctx context.Context, sessionID, id string) (dlmodel.FileEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return dlmodel.FileEntry{}, err
	}
	for _, f := range m.files[sessionID] {
		if f.ID == id {
			return f, nil
		}
	}
	return dlmodel.FileEntry{}, dlerrors.New(dlerrors.CodeNotFound, "remote", "GetFile", "file id not found")
}

func (m *MemoryBackend) DeleteFile(ctx context.Context, sessionID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeFailure()
}

func (m *MemoryBackend) UpdateFile(ctx context.Context, sessionID, id string, patch dlmodel.FilePatch) (dlmodel.FileEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return dlmodel.FileEntry{}, err
	}
	return dlmodel.FileEntry{}, nil
}
