// Package logstore implements the append-only NDJSON log every session
// writes to logs/logs.jsonl, with per-session monotonic sequence numbers
// assigned under the logs lock.
//
// Appending is grounded on this codebase's ancestor file sink, which opens
// its destination with O_APPEND|O_CREATE|O_WRONLY and writes one record at
// a time without ever rewriting earlier bytes.
package logstore

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"dreamlake/internal/dlerrors"
	"dreamlake/internal/dlmodel"
	"dreamlake/internal/filelock"
)

// Store manages one session's logs/logs.jsonl.
type Store struct {
	path        string
	lockTimeout time.Duration
	logger      *logrus.Logger
}

// New returns a Store backed by path (logs/logs.jsonl).
func New(path string, lockTimeout time.Duration, logger *logrus.Logger) *Store {
	return &Store{path: path, lockTimeout: lockTimeout, logger: logger}
}

// Log appends one record under the logs lock: it reads the next sequence
// number by counting existing lines, assembles the record (ts defaults to
// now when zero), appends one JSON line, and returns the written record.
func (s *Store) Log(ctx context.Context, message string, level dlmodel.LogLevel, metadata map[string]any, ts time.Time) (dlmodel.LogRecord, error) {
	if !dlmodel.ValidLogLevel(level) {
		return dlmodel.LogRecord{}, dlerrors.New(dlerrors.CodeInvalidLevel, "logstore", "Log", "invalid log level").
			WithMetadata("level", string(level))
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var record dlmodel.LogRecord
	err := filelock.With(ctx, s.path+".lock", s.lockTimeout, s.logger, "logs", func() error {
		seq, err := s.countLinesLocked()
		if err != nil {
			return err
		}

		record = dlmodel.LogRecord{
			SequenceNumber: seq,
			Timestamp:      ts,
			Level:          level,
			Message:        message,
			Metadata:       metadata,
		}
		return s.appendLocked(record)
	})
	return record, err
}

func (s *Store) countLinesLocked() (uint64, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, dlerrors.Wrap(dlerrors.CodeStorageIO, "logstore", "countLinesLocked", "failed to open logs.jsonl", err)
	}
	defer f.Close()

	var count uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, dlerrors.Wrap(dlerrors.CodeStorageIO, "logstore", "countLinesLocked", "failed to scan logs.jsonl", err)
	}
	return count, nil
}

func (s *Store) appendLocked(record dlmodel.LogRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "logstore", "appendLocked", "failed to create logs directory", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "logstore", "appendLocked", "failed to open logs.jsonl", err)
	}
	defer f.Close()

	line, err := json.Marshal(record)
	if err != nil {
		return dlerrors.Wrap(dlerrors.CodeSerialization, "logstore", "appendLocked", "failed to marshal log record", err)
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "logstore", "appendLocked", "failed to append log line", err)
	}
	if err := f.Sync(); err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "logstore", "appendLocked", "failed to fsync logs.jsonl", err)
	}
	if s.logger != nil {
		s.logger.WithField("seq", record.SequenceNumber).Debug("logstore: appended record")
	}
	return nil
}

// ReadAll returns every record currently in logs.jsonl, in file order.
// Used by tests and by Session.Summary; not exposed as a paginated read
// operation the way track reads are.
func (s *Store) ReadAll() ([]dlmodel.LogRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dlerrors.Wrap(dlerrors.CodeStorageIO, "logstore", "ReadAll", "failed to open logs.jsonl", err)
	}
	defer f.Close()

	var out []dlmodel.LogRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec dlmodel.LogRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, dlerrors.Wrap(dlerrors.CodeSerialization, "logstore", "ReadAll", "malformed log line", err)
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
