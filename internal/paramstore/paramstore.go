// Package paramstore flattens nested hyperparameter trees into dotted keys
// and maintains parameters.json as a locked, atomically-written sidecar.
//
// The temp-file-then-rename write is grounded on this codebase's ancestor
// sidecar managers. Here the whole read-merge-marshal-write sequence runs
// while holding the params lock, so concurrent Set calls never lose keys.
package paramstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dreamlake/internal/dlerrors"
	"dreamlake/internal/filelock"
)

// Store manages one session's parameters.json.
type Store struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	logger      *logrus.Logger
}

// New returns a Store backed by path (parameters.json); the advisory lock
// is taken on a separate path+".lock" file beside it.
func New(path string, lockTimeout time.Duration, logger *logrus.Logger) *Store {
	return &Store{path: path, lockPath: path + ".lock", lockTimeout: lockTimeout, logger: logger}
}

type onDisk struct {
	Data map[string]any `json:"data"`
}

// Flatten recursively joins nested map keys with "." into one flat map.
// Leaves are any JSON-serializable value other than a nested map.
func Flatten(tree map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", tree)
	return out
}

func flattenInto(out map[string]any, prefix string, tree map[string]any) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(out, key, nested)
		} else {
			out[key] = v
		}
	}
}

// Unflatten rebuilds a nested tree by splitting dotted keys.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		parts := strings.Split(k, ".")
		cur := out
		for i, p := range parts {
			if i == len(parts)-1 {
				cur[p] = flat[k]
				continue
			}
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[p] = next
			}
			cur = next
		}
	}
	return out
}

// Set flattens tree and merges it into the persisted map, overwriting
// duplicate keys, under the params lock.
func (s *Store) Set(ctx context.Context, tree map[string]any) error {
	flat := Flatten(tree)
	return filelock.With(ctx, s.lockPath, s.lockTimeout, s.logger, "parameters", func() error {
		current, err := s.readLocked()
		if err != nil {
			return err
		}
		for k, v := range flat {
			current[k] = v
		}
		return s.writeLocked(current)
	})
}

// Get returns the persisted flat map, or the nested tree when flatten is
// false. Returns (nil, nil) for a session with no parameters yet.
func (s *Store) Get(ctx context.Context, flatten bool) (map[string]any, error) {
	var result map[string]any
	err := filelock.With(ctx, s.lockPath, s.lockTimeout, s.logger, "parameters", func() error {
		current, err := s.readLocked()
		if err != nil {
			return err
		}
		if len(current) == 0 {
			return nil
		}
		if flatten {
			result = current
		} else {
			result = Unflatten(current)
		}
		return nil
	})
	return result, err
}

// readLocked must be called while holding the params lock.
func (s *Store) readLocked() (map[string]any, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]any), nil
		}
		return nil, dlerrors.Wrap(dlerrors.CodeStorageIO, "paramstore", "readLocked", "failed to read parameters.json", err).
			WithMetadata("path", s.path)
	}

	var onDiskVal onDisk
	if err := json.Unmarshal(data, &onDiskVal); err != nil {
		return nil, dlerrors.Wrap(dlerrors.CodeSerialization, "paramstore", "readLocked", "malformed parameters.json", err).
			WithMetadata("path", s.path)
	}
	if onDiskVal.Data == nil {
		onDiskVal.Data = make(map[string]any)
	}
	return onDiskVal.Data, nil
}

// writeLocked must be called while holding the params lock.
func (s *Store) writeLocked(data map[string]any) error {
	payload, err := json.MarshalIndent(onDisk{Data: data}, "", "  ")
	if err != nil {
		return dlerrors.Wrap(dlerrors.CodeSerialization, "paramstore", "writeLocked", "failed to marshal parameters", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "paramstore", "writeLocked", "failed to create session directory", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "paramstore", "writeLocked", "failed to write temp parameters file", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "paramstore", "writeLocked", "failed to rename parameters file", err)
	}
	if s.logger != nil {
		s.logger.WithField("path", s.path).Debug("paramstore: wrote parameters")
	}
	return nil
}
