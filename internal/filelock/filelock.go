// Package filelock provides the advisory, timeout-bounded exclusive lock
// every Dreamlake sidecar read-modify-write is wrapped in.
//
// Two layers of exclusion are combined, the way the rest of this
// codebase's ancestry layers an in-memory guard over a sidecar before ever
// touching disk (see the atomic-write pattern its position managers use):
// an in-process sync.Mutex keyed by path serializes goroutines within this
// process, and github.com/gofrs/flock serializes separate processes on the
// same host via the OS advisory lock. Acquisition polls at a bounded
// interval until the configured timeout elapses.
package filelock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"dreamlake/internal/dlerrors"
	"dreamlake/internal/metrics"
)

const pollInterval = 20 * time.Millisecond

// registry deduplicates in-process mutexes per lock path so concurrent
// goroutines locking the same sidecar within one process block on the same
// *sync.Mutex rather than each acquiring an independent OS-level flock
// (which on most platforms is reentrant per-process and would not actually
// exclude sibling goroutines).
var registry = struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}{m: make(map[string]*sync.Mutex)}

func processMutex(path string) *sync.Mutex {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	m, ok := registry.m[path]
	if !ok {
		m = &sync.Mutex{}
		registry.m[path] = m
	}
	return m
}

// Lock is a held exclusive lock on one sidecar path. Release via Unlock,
// typically deferred immediately after a successful Acquire.
type Lock struct {
	path    string
	procMu  *sync.Mutex
	flock   *flock.Flock
}

// Acquire blocks, polling every pollInterval, until it holds the exclusive
// lock on path or timeout elapses, in which case it returns
// dlerrors.CodeLockTimeout. path is a dedicated lock file (created, along
// with its directory, if absent) — callers lock files/.files_metadata.lock
// or a "<sidecar>.lock" file beside the JSON sidecar. store labels the wait-time observation (parameters, logs,
// tracks, files, session) so LockWaitDuration can be broken down the same
// way FlushDuration and BytesWritten are.
func Acquire(ctx context.Context, path string, timeout time.Duration, logger *logrus.Logger, store string) (*Lock, error) {
	started := time.Now()
	procMu := processMutex(path)

	deadline := started.Add(timeout)
	if !tryLockWithDeadline(procMu, deadline) {
		return nil, timeoutErr(path, "acquire in-process lock")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		procMu.Unlock()
		return nil, dlerrors.Wrap(dlerrors.CodeStorageIO, "filelock", "Acquire", "failed to create lock directory", err).
			WithMetadata("path", path)
	}
	fl := flock.New(path)
	for {
		locked, err := fl.TryLock()
		if err == nil && locked {
			metrics.LockWaitDuration.WithLabelValues(store).Observe(time.Since(started).Seconds())
			if logger != nil {
				logger.WithField("path", path).Debug("filelock: acquired")
			}
			return &Lock{path: path, procMu: procMu, flock: fl}, nil
		}
		if err != nil {
			procMu.Unlock()
			return nil, dlerrors.Wrap(dlerrors.CodeStorageIO, "filelock", "Acquire", "flock error", err).
				WithMetadata("path", path)
		}
		if time.Now().After(deadline) {
			procMu.Unlock()
			return nil, timeoutErr(path, "acquire os-level lock")
		}
		select {
		case <-ctx.Done():
			procMu.Unlock()
			return nil, dlerrors.Wrap(dlerrors.CodeStorageIO, "filelock", "Acquire", "context cancelled", ctx.Err()).
				WithMetadata("path", path)
		case <-time.After(pollInterval):
		}
	}
}

func tryLockWithDeadline(m *sync.Mutex, deadline time.Time) bool {
	for {
		if m.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

func timeoutErr(path, op string) error {
	return dlerrors.New(dlerrors.CodeLockTimeout, "filelock", op, "timed out waiting for lock").
		WithMetadata("path", path)
}

// Unlock releases both layers of the lock. Safe to call at most once per
// successful Acquire; typically deferred.
func (l *Lock) Unlock() error {
	defer l.procMu.Unlock()
	if err := l.flock.Unlock(); err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "filelock", "Unlock", "failed to release os-level lock", err).
			WithMetadata("path", l.path)
	}
	return nil
}

// With acquires the lock on path, runs fn, and always releases the lock
// afterward (including on panic) before returning fn's error.
func With(ctx context.Context, path string, timeout time.Duration, logger *logrus.Logger, store string, fn func() error) error {
	l, err := Acquire(ctx, path, timeout, logger, store)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := l.Unlock(); uerr != nil && logger != nil {
			logger.WithError(uerr).WithField("path", path).Warn("filelock: release failed")
		}
	}()
	return fn()
}
