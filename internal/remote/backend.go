// Package remote defines the RPC surface a Session dispatches to in REMOTE
// or HYBRID mode, and an HTTP implementation of it grounded on this
// codebase's ancestor HTTP sinks (loki_sink.go, elasticsearch_sink.go):
// a *http.Client wrapping JSON request/response bodies over a configured
// base URL and bearer credential, with no in-package retry (retries are the
// caller's decision, per the error-handling policy).
package remote

import (
	"context"

	"dreamlake/internal/dlmodel"
)

// Backend is the opaque remote peer a Session mirrors mutations to. Every
// method corresponds to one RPC named in the external interfaces contract.
type Backend interface {
	CreateOrUpdateSession(ctx context.Context, s dlmodel.SessionMeta) (dlmodel.SessionMeta, error)
	AppendLogs(ctx context.Context, sessionID string, records []dlmodel.LogRecord) error
	SetParams(ctx context.Context, sessionID string, flat map[string]any) error
	GetParams(ctx context.Context, sessionID string) (map[string]any, error)
	AppendTrackBatch(ctx context.Context, sessionID, track string, points []dlmodel.Sample) (startIndex, endIndex uint64, count int, err error)
	ReadTrack(ctx context.Context, sessionID, track string, startIndex uint64, limit int) (dlmodel.ReadPage, error)
	TrackStats(ctx context.Context, sessionID, track string) (dlmodel.TrackMeta, error)
	ListTracks(ctx context.Context, sessionID string) ([]dlmodel.TrackMeta, error)
	UploadFile(ctx context.Context, sessionID string, req dlmodel.UploadRequest) (dlmodel.FileEntry, error)
	ListFiles(ctx context.Context, sessionID, path string, tags []string) ([]dlmodel.FileEntry, error)
	GetFile(ctx context.Context, sessionID, id string) (dlmodel.FileEntry, error)
	DeleteFile(ctx context.Context, sessionID, id string) error
	UpdateFile(ctx context.Context, sessionID, id string, patch dlmodel.FilePatch) (dlmodel.FileEntry, error)
}
