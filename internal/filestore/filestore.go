// Package filestore implements content-addressed file attachments:
// checksum, size, tags, description, soft-delete, and a locked JSON
// sidecar listing every file in a session.
//
// IDs are generated with github.com/oklog/ulid/v2 (grounded: the retrieval
// pack's dependency survey shows oklog/ulid pulled in directly or
// transitively by several repos in the corpus). The sidecar read-modify-
// write sequence — and its tolerance for orphaned blobs after a crash
// between blob copy and sidecar commit — follows this codebase's ancestor
// checkpoint/position sidecar managers.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"dreamlake/internal/dlerrors"
	"dreamlake/internal/dlmodel"
	"dreamlake/internal/filelock"
)

// compressionThreshold is the original blob size above which uploads are
// zstd-compressed. Blobs at or below it are stored as-is: zstd's
// framing overhead isn't worth paying for small attachments.
const compressionThreshold = 1 << 20 // 1 MiB

// blobFilename is the name a blob is actually stored under: filename
// unchanged, or filename+".zst" when compressed is true. The entry's own
// Filename field always reports the logical (uncompressed) name.
func blobFilename(filename string, compressed bool) string {
	if compressed {
		return filename + ".zst"
	}
	return filename
}

// Store manages one session's files/ tree and .files_metadata.json
// sidecar.
type Store struct {
	filesDir    string
	sidecarPath string
	lockPath    string
	lockTimeout time.Duration
	logger      *logrus.Logger

	entropyMu sync.Mutex
	entropy   io.Reader
}

// New returns a Store rooted at filesDir (…/files/), with sidecarPath and
// lockPath as …/files/.files_metadata.json and
// …/files/.files_metadata.lock respectively.
func New(filesDir, sidecarPath, lockPath string, lockTimeout time.Duration, logger *logrus.Logger) *Store {
	return &Store{
		filesDir:    filesDir,
		sidecarPath: sidecarPath,
		lockPath:    lockPath,
		lockTimeout: lockTimeout,
		logger:      logger,
		entropy:     ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (s *Store) newID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

type sidecar struct {
	Files []dlmodel.FileEntry `json:"files"`
}

// UploadParams carries everything Upload needs beyond the source bytes.
type UploadParams struct {
	LocalPath   string
	PathPrefix  string
	Filename    string
	Description string
	Tags        []string
	Metadata    map[string]any
	ContentType string
}

// Upload computes the checksum, copies the source into files/<id>/<filename>,
// and appends the sidecar entry under the files lock. An I/O error copying
// the blob aborts before any sidecar mutation; the lock is released without
// writing.
func (s *Store) Upload(ctx context.Context, p UploadParams) (dlmodel.FileEntry, error) {
	checksum, size, err := hashFile(p.LocalPath)
	if err != nil {
		return dlmodel.FileEntry{}, err
	}

	filename := p.Filename
	if filename == "" {
		filename = filepath.Base(p.LocalPath)
	}
	id := s.newID()

	compressed := size > compressionThreshold

	var entry dlmodel.FileEntry
	err = filelock.With(ctx, s.lockPath, s.lockTimeout, s.logger, "files", func() error {
		blobPath := filepath.Join(s.filesDir, id, blobFilename(filename, compressed))
		if compressed {
			if err := copyFileCompressed(p.LocalPath, blobPath); err != nil {
				return err
			}
		} else if err := copyFile(p.LocalPath, blobPath); err != nil {
			return err
		}

		entries, err := s.readLocked()
		if err != nil {
			return err
		}

		entry = dlmodel.FileEntry{
			ID:          id,
			Filename:    filename,
			Path:        p.PathPrefix,
			SizeBytes:   size,
			Checksum:    checksum,
			ContentType: p.ContentType,
			Description: p.Description,
			Tags:        p.Tags,
			Metadata:    p.Metadata,
			UploadedAt:  time.Now().UTC(),
			Compressed:  compressed,
		}
		entries = append(entries, entry)
		return s.writeLocked(entries)
	})
	return entry, err
}

// List returns non-deleted entries filtered by exact path prefix match
// (when path is non-empty) and by tag subset (when tags is non-empty,
// every requested tag must be present on the entry).
func (s *Store) List(ctx context.Context, path string, tags []string) ([]dlmodel.FileEntry, error) {
	var out []dlmodel.FileEntry
	err := filelock.With(ctx, s.lockPath, s.lockTimeout, s.logger, "files", func() error {
		entries, err := s.readLocked()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.DeletedAt != nil {
				continue
			}
			if path != "" && e.Path != path {
				continue
			}
			if !hasAllTags(e.Tags, tags) {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// Download resolves id's blob and copies it to dest (defaulting to the
// original filename in the working directory when dest is empty). The
// sidecar is read, never mutated.
func (s *Store) Download(ctx context.Context, id, dest string) (string, error) {
	var entry *dlmodel.FileEntry
	err := filelock.With(ctx, s.lockPath, s.lockTimeout, s.logger, "files", func() error {
		entries, err := s.readLocked()
		if err != nil {
			return err
		}
		for i := range entries {
			if entries[i].ID == id {
				entry = &entries[i]
				return nil
			}
		}
		return dlerrors.New(dlerrors.CodeNotFound, "filestore", "Download", "file id not found").WithMetadata("id", id)
	})
	if err != nil {
		return "", err
	}

	if dest == "" {
		dest = entry.Filename
	}
	src := filepath.Join(s.filesDir, entry.ID, blobFilename(entry.Filename, entry.Compressed))
	if entry.Compressed {
		if err := copyFileDecompressed(src, dest); err != nil {
			return "", err
		}
		return dest, nil
	}
	if err := copyFile(src, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// Update applies a partial patch to the entry matching id under the files
// lock. Nil fields in patch leave the corresponding entry field unchanged.
func (s *Store) Update(ctx context.Context, id string, patch dlmodel.FilePatch) (dlmodel.FileEntry, error) {
	var updated dlmodel.FileEntry
	err := filelock.With(ctx, s.lockPath, s.lockTimeout, s.logger, "files", func() error {
		entries, err := s.readLocked()
		if err != nil {
			return err
		}
		for i := range entries {
			if entries[i].ID != id {
				continue
			}
			if patch.Description != nil {
				entries[i].Description = *patch.Description
			}
			if patch.Tags != nil {
				entries[i].Tags = patch.Tags
			}
			if patch.Metadata != nil {
				entries[i].Metadata = patch.Metadata
			}
			updated = entries[i]
			return s.writeLocked(entries)
		}
		return dlerrors.New(dlerrors.CodeNotFound, "filestore", "Update", "file id not found").WithMetadata("id", id)
	})
	return updated, err
}

// Delete soft-deletes id: the sidecar entry gets a non-null DeletedAt but
// the blob on disk is retained.
func (s *Store) Delete(ctx context.Context, id string) error {
	return filelock.With(ctx, s.lockPath, s.lockTimeout, s.logger, "files", func() error {
		entries, err := s.readLocked()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for i := range entries {
			if entries[i].ID == id {
				entries[i].DeletedAt = &now
				return s.writeLocked(entries)
			}
		}
		return dlerrors.New(dlerrors.CodeNotFound, "filestore", "Delete", "file id not found").WithMetadata("id", id)
	})
}

// readLocked must be called while holding the files lock.
func (s *Store) readLocked() ([]dlmodel.FileEntry, error) {
	data, err := os.ReadFile(s.sidecarPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "readLocked", "failed to read files sidecar", err)
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, dlerrors.Wrap(dlerrors.CodeSerialization, "filestore", "readLocked", "malformed files sidecar", err)
	}
	return sc.Files, nil
}

// writeLocked must be called while holding the files lock.
func (s *Store) writeLocked(entries []dlmodel.FileEntry) error {
	payload, err := json.MarshalIndent(sidecar{Files: entries}, "", "  ")
	if err != nil {
		return dlerrors.Wrap(dlerrors.CodeSerialization, "filestore", "writeLocked", "failed to marshal files sidecar", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.sidecarPath), 0o755); err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "writeLocked", "failed to create files directory", err)
	}

	tmp := s.sidecarPath + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "writeLocked", "failed to write temp sidecar", err)
	}
	if err := os.Rename(tmp, s.sidecarPath); err != nil {
		os.Remove(tmp)
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "writeLocked", "failed to rename sidecar", err)
	}
	return nil
}

func hashFile(path string) (checksum string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "hashFile", "failed to open source file", err).
			WithMetadata("path", path)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "hashFile", "failed to hash source file", err).
			WithMetadata("path", path)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "copyFile", "failed to open source file", err).
			WithMetadata("src", src)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "copyFile", "failed to create destination directory", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "copyFile", "failed to create destination file", err).
			WithMetadata("dst", dst)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "copyFile", "failed to copy file bytes", err)
	}
	return nil
}

// copyFileCompressed streams src through a zstd encoder into dst, used for
// attachments larger than compressionThreshold.
func copyFileCompressed(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "copyFileCompressed", "failed to open source file", err).
			WithMetadata("src", src)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "copyFileCompressed", "failed to create destination directory", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "copyFileCompressed", "failed to create destination file", err).
			WithMetadata("dst", dst)
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return dlerrors.Wrap(dlerrors.CodeSerialization, "filestore", "copyFileCompressed", "failed to open zstd encoder", err)
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "copyFileCompressed", "failed to compress file bytes", err)
	}
	if err := enc.Close(); err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "copyFileCompressed", "failed to flush zstd encoder", err)
	}
	return nil
}

// copyFileDecompressed is copyFileCompressed's inverse, used by Download to
// hand callers back the original bytes transparently.
func copyFileDecompressed(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "copyFileDecompressed", "failed to open source file", err).
			WithMetadata("src", src)
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return dlerrors.Wrap(dlerrors.CodeSerialization, "filestore", "copyFileDecompressed", "failed to open zstd decoder", err)
	}
	defer dec.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "copyFileDecompressed", "failed to create destination directory", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "copyFileDecompressed", "failed to create destination file", err).
			WithMetadata("dst", dst)
	}
	defer out.Close()

	if _, err := io.Copy(out, dec); err != nil {
		return dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "copyFileDecompressed", "failed to decompress file bytes", err)
	}
	return nil
}

// ScanOrphans walks filesDir for blob directories with no corresponding
// live sidecar entry — the tolerated leftover of an upload that crashed
// between the blob copy and the sidecar commit. It never mutates state and
// is not part of List's output.
func (s *Store) ScanOrphans(ctx context.Context) ([]string, error) {
	known := make(map[string]struct{})
	err := filelock.With(ctx, s.lockPath, s.lockTimeout, s.logger, "files", func() error {
		entries, err := s.readLocked()
		if err != nil {
			return err
		}
		for _, e := range entries {
			known[e.ID] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(s.filesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dlerrors.Wrap(dlerrors.CodeStorageIO, "filestore", "ScanOrphans", "failed to list files directory", err)
	}

	var orphans []string
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		if strings.HasPrefix(de.Name(), ".") {
			continue
		}
		if _, ok := known[de.Name()]; !ok {
			orphans = append(orphans, de.Name())
		}
	}
	return orphans, nil
}
