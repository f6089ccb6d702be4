// Package layout resolves a session prefix into on-disk paths. It is the
// one place in Dreamlake that knows the directory structure described in
// the on-disk layout contract, grounded on the path-joining conventions the
// rest of this codebase's ancestry uses for its sidecar files
// (filepath.Join off a configurable root directory, directories created
// lazily with os.MkdirAll).
package layout

import (
	"path/filepath"
	"strings"

	"dreamlake/internal/dlerrors"
)

const defaultRoot = ".dreamlake"

// Paths resolves every on-disk artifact path for one session.
type Paths struct {
	Root      string
	Prefix    string
	Workspace string
	Name      string
}

// Resolve parses prefix ("ws/.../name") against root (defaults to
// ".dreamlake" when empty) and returns the session's Paths, or
// dlerrors.CodeInvalidPrefix if prefix has fewer than two segments.
func Resolve(root, prefix string) (*Paths, error) {
	if root == "" {
		root = defaultRoot
	}

	trimmed := strings.Trim(prefix, "/")
	parts := strings.Split(trimmed, "/")
	if trimmed == "" || len(parts) < 2 {
		return nil, dlerrors.New(dlerrors.CodeInvalidPrefix, "layout", "Resolve",
			"prefix must contain at least two '/'-separated segments").WithMetadata("prefix", prefix)
	}

	return &Paths{
		Root:      root,
		Prefix:    trimmed,
		Workspace: parts[len(parts)-2],
		Name:      parts[len(parts)-1],
	}, nil
}

// Dir is the session's root directory: <root>/<prefix>/.
func (p *Paths) Dir() string {
	return filepath.Join(p.Root, p.Prefix)
}

// SessionFile is session.json.
func (p *Paths) SessionFile() string {
	return filepath.Join(p.Dir(), "session.json")
}

// ParametersFile is parameters.json.
func (p *Paths) ParametersFile() string {
	return filepath.Join(p.Dir(), "parameters.json")
}

// LogsFile is logs/logs.jsonl.
func (p *Paths) LogsFile() string {
	return filepath.Join(p.Dir(), "logs", "logs.jsonl")
}

// TrackDir is tracks/<name>/.
func (p *Paths) TrackDir(track string) string {
	return filepath.Join(p.Dir(), "tracks", track)
}

// TrackDataFile is tracks/<name>/data.msgpack.
func (p *Paths) TrackDataFile(track string) string {
	return filepath.Join(p.TrackDir(track), "data.msgpack")
}

// TrackMetadataFile is tracks/<name>/metadata.json.
func (p *Paths) TrackMetadataFile(track string) string {
	return filepath.Join(p.TrackDir(track), "metadata.json")
}

// FilesDir is files/.
func (p *Paths) FilesDir() string {
	return filepath.Join(p.Dir(), "files")
}

// FileBlobPath is files/<id>/<filename>.
func (p *Paths) FileBlobPath(id, filename string) string {
	return filepath.Join(p.FilesDir(), id, filename)
}

// FilesMetadataFile is files/.files_metadata.json.
func (p *Paths) FilesMetadataFile() string {
	return filepath.Join(p.FilesDir(), ".files_metadata.json")
}

// FilesLockFile is files/.files_metadata.lock.
func (p *Paths) FilesLockFile() string {
	return filepath.Join(p.FilesDir(), ".files_metadata.lock")
}
