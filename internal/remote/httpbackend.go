package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/sirupsen/logrus"

	"dreamlake/internal/dlerrors"
	"dreamlake/internal/dlmodel"
)

// HTTPBackend is the concrete Backend that mirrors a session to a remote
// Dreamlake peer over HTTP, using an API key read from the environment per
// the external interfaces contract.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *logrus.Logger
}

// NewHTTPBackend returns a Backend bound to baseURL, authenticating every
// request with apiKey.
func NewHTTPBackend(baseURL, apiKey string, logger *logrus.Logger) *HTTPBackend {
	return &HTTPBackend{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

func (b *HTTPBackend) do(ctx context.Context, method, p string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return dlerrors.Wrap(dlerrors.CodeSerialization, "remote", "do", "failed to marshal request body", err)
		}
		reader = bytes.NewReader(payload)
	}

	full, err := url.JoinPath(b.baseURL, p)
	if err != nil {
		return dlerrors.Wrap(dlerrors.CodeRemoteTransport, "remote", "do", "failed to build request URL", err).
			WithMetadata("path", p)
	}

	req, err := http.NewRequestWithContext(ctx, method, full, reader)
	if err != nil {
		return dlerrors.Wrap(dlerrors.CodeRemoteTransport, "remote", "do", "failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if b.logger != nil {
			b.logger.WithError(err).WithField("path", p).Warn("remote backend request failed")
		}
		return dlerrors.Wrap(dlerrors.CodeRemoteTransport, "remote", "do", "request failed", err).
			WithMetadata("path", p)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return dlerrors.New(dlerrors.CodeRemoteTransport, "remote", "do", "non-2xx response").
			WithMetadata("path", p).
			WithMetadata("status", resp.StatusCode).
			WithMetadata("body", string(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return dlerrors.Wrap(dlerrors.CodeSerialization, "remote", "do", "failed to decode response body", err)
	}
	return nil
}

func sessionPath(sessionID string, parts ...string) string {
	segments := append([]string{"sessions", sessionID}, parts...)
	return path.Join(segments...)
}

func (b *HTTPBackend) CreateOrUpdateSession(ctx context.Context, s dlmodel.SessionMeta) (dlmodel.SessionMeta, error) {
	var out struct {
		Session dlmodel.SessionMeta `json:"session"`
	}
	err := b.do(ctx, http.MethodPut, "sessions", s, &out)
	return out.Session, err
}

func (b *HTTPBackend) AppendLogs(ctx context.Context, sessionID string, records []dlmodel.LogRecord) error {
	return b.do(ctx, http.MethodPost, sessionPath(sessionID, "logs", "append"), records, nil)
}

func (b *HTTPBackend) SetParams(ctx context.Context, sessionID string, flat map[string]any) error {
	return b.do(ctx, http.MethodPut, sessionPath(sessionID, "params"), flat, nil)
}

func (b *HTTPBackend) GetParams(ctx context.Context, sessionID string) (map[string]any, error) {
	var out map[string]any
	err := b.do(ctx, http.MethodGet, sessionPath(sessionID, "params"), nil, &out)
	return out, err
}

func (b *HTTPBackend) AppendTrackBatch(ctx context.Context, sessionID, track string, points []dlmodel.Sample) (startIndex, endIndex uint64, count int, err error) {
	var out struct {
		StartIndex uint64 `json:"startIndex"`
		EndIndex   uint64 `json:"endIndex"`
		Count      int    `json:"count"`
	}
	req := struct {
		DataPoints []dlmodel.Sample `json:"data_points"`
	}{DataPoints: points}
	err = b.do(ctx, http.MethodPost, sessionPath(sessionID, "tracks", track, "append_batch"), req, &out)
	return out.StartIndex, out.EndIndex, out.Count, err
}

func (b *HTTPBackend) ReadTrack(ctx context.Context, sessionID, track string, startIndex uint64, limit int) (dlmodel.ReadPage, error) {
	var out dlmodel.ReadPage
	p := fmt.Sprintf("%s?start_index=%d&limit=%d", sessionPath(sessionID, "tracks", track, "read"), startIndex, limit)
	err := b.do(ctx, http.MethodGet, p, nil, &out)
	return out, err
}

func (b *HTTPBackend) TrackStats(ctx context.Context, sessionID, track string) (dlmodel.TrackMeta, error) {
	var out dlmodel.TrackMeta
	err := b.do(ctx, http.MethodGet, sessionPath(sessionID, "tracks", track, "stats"), nil, &out)
	return out, err
}

func (b *HTTPBackend) ListTracks(ctx context.Context, sessionID string) ([]dlmodel.TrackMeta, error) {
	var out []dlmodel.TrackMeta
	err := b.do(ctx, http.MethodGet, sessionPath(sessionID, "tracks"), nil, &out)
	return out, err
}

func (b *HTTPBackend) UploadFile(ctx context.Context, sessionID string, req dlmodel.UploadRequest) (dlmodel.FileEntry, error) {
	var out dlmodel.FileEntry
	err := b.do(ctx, http.MethodPost, sessionPath(sessionID, "files"), req, &out)
	return out, err
}

func (b *HTTPBackend) ListFiles(ctx context.Context, sessionID, filePath string, tags []string) ([]dlmodel.FileEntry, error) {
	var out []dlmodel.FileEntry
	q := url.Values{}
	if filePath != "" {
		q.Set("path", filePath)
	}
	for _, t := range tags {
		q.Add("tags", t)
	}
	p := sessionPath(sessionID, "files")
	if encoded := q.Encode(); encoded != "" {
		p += "?" + encoded
	}
	err := b.do(ctx, http.MethodGet, p, nil, &out)
	return out, err
}

func (b *HTTPBackend) GetFile(ctx context.Context, sessionID, id string) (dlmodel.FileEntry, error) {
	var out dlmodel.FileEntry
	err := b.do(ctx, http.MethodGet, sessionPath(sessionID, "files", id), nil, &out)
	return out, err
}

func (b *HTTPBackend) DeleteFile(ctx context.Context, sessionID, id string) error {
	return b.do(ctx, http.MethodDelete, sessionPath(sessionID, "files", id), nil, nil)
}

func (b *HTTPBackend) UpdateFile(ctx context.Context, sessionID, id string, patch dlmodel.FilePatch) (dlmodel.FileEntry, error) {
	var out dlmodel.FileEntry
	err := b.do(ctx, http.MethodPatch, sessionPath(sessionID, "files", id), patch, &out)
	return out, err
}
