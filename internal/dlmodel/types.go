// Package dlmodel defines the core data structures shared across every
// Dreamlake store: sessions, parameters, log records, track samples, and
// file attachments.
//
// The types in this package are intentionally dumb data holders — no
// store owns a type it doesn't also persist, and no type carries behavior
// that belongs to a specific backend (local or remote).
package dlmodel

import "time"

// Mode selects which backend(s) a Session mutates.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
	ModeHybrid Mode = "hybrid"
)

// SessionMeta is the persisted form of session.json.
type SessionMeta struct {
	Name            string         `json:"name"`
	Workspace       string         `json:"workspace"`
	Readme          string         `json:"readme,omitempty"`
	Tags            []string       `json:"tags"`
	Metadata        map[string]any `json:"metadata"`
	WriteProtected  bool           `json:"writeProtected,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// LogLevel is one of the five enumerated severities a log record may carry.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// ValidLogLevel reports whether lvl is one of the enumerated levels.
func ValidLogLevel(lvl LogLevel) bool {
	switch lvl {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return true
	default:
		return false
	}
}

// LogRecord is one line of logs/logs.jsonl.
type LogRecord struct {
	SequenceNumber uint64         `json:"sequenceNumber"`
	Timestamp      time.Time      `json:"timestamp"`
	Level          LogLevel       `json:"level"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Sample is one logical row in a track's append log. Data always carries
// the reserved "_ts" field; callers should use the Ts helper rather than
// indexing it directly.
type Sample struct {
	Index     uint64         `json:"index"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"createdAt"`
}

// TsField is the reserved key every sample carries: seconds since the Unix
// epoch as a float64.
const TsField = "_ts"

// Ts returns the sample's assigned timestamp, or false if the sample has
// no numeric "_ts" field (which should never happen for a flushed sample).
func (s Sample) Ts() (float64, bool) {
	v, ok := s.Data[TsField]
	if !ok {
		return 0, false
	}
	f, ok := toFloat64(v)
	return f, ok
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

// TrackMeta is the persisted form of tracks/<name>/metadata.json.
type TrackMeta struct {
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Tags            []string       `json:"tags"`
	Metadata        map[string]any `json:"metadata"`
	TotalDataPoints uint64         `json:"totalDataPoints"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	FirstDataAt     *time.Time     `json:"firstDataAt,omitempty"`
	LastDataAt      *time.Time     `json:"lastDataAt,omitempty"`
}

// ReadPage is the result of a track read by index range.
type ReadPage struct {
	Data       []Sample `json:"data"`
	StartIndex uint64   `json:"startIndex"`
	EndIndex   uint64   `json:"endIndex"`
	Total      int      `json:"total"`
	HasMore    bool     `json:"hasMore"`
}

// TimeRangePage is the result of a track read by time range.
type TimeRangePage struct {
	Data      []Sample `json:"data"`
	StartTime *float64 `json:"startTime,omitempty"`
	EndTime   *float64 `json:"endTime,omitempty"`
	HasMore   bool     `json:"hasMore"`
}

// FileEntry is one record in files/.files_metadata.json.
type FileEntry struct {
	ID          string         `json:"id"`
	Filename    string         `json:"filename"`
	Path        string         `json:"path"`
	SizeBytes   int64          `json:"sizeBytes"`
	Checksum    string         `json:"checksum"`
	ContentType string         `json:"contentType,omitempty"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	UploadedAt  time.Time      `json:"uploadedAt"`
	DeletedAt   *time.Time     `json:"deletedAt,omitempty"`
	Compressed  bool           `json:"compressed,omitempty"`
}

// FilePatch describes a partial update to a FileEntry via FileStore.Update.
type FilePatch struct {
	Description *string
	Tags        []string
	Metadata    map[string]any
}

// UploadRequest carries everything the remote backend needs to mirror a
// local upload.
type UploadRequest struct {
	LocalPath   string
	PathPrefix  string
	Filename    string
	Description string
	Tags        []string
	Metadata    map[string]any
	ContentType string
}
