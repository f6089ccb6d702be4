package layout

import (
	"testing"

	"dreamlake/internal/dlerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_TwoSegments(t *testing.T) {
	p, err := Resolve("", "myworkspace/my-session")
	require.NoError(t, err)
	assert.Equal(t, defaultRoot, p.Root)
	assert.Equal(t, "myworkspace", p.Workspace)
	assert.Equal(t, "my-session", p.Name)
}

func TestResolve_NestedSegmentsPreservedInDir(t *testing.T) {
	p, err := Resolve("/data", "/teamA/robots/run-1/")
	require.NoError(t, err)
	assert.Equal(t, "robots", p.Workspace)
	assert.Equal(t, "run-1", p.Name)
	assert.Equal(t, "/data/teamA/robots/run-1", p.Dir())
}

func TestResolve_TooFewSegmentsFails(t *testing.T) {
	_, err := Resolve("", "onlyname")
	require.Error(t, err)
	assert.True(t, dlerrors.Is(err, dlerrors.CodeInvalidPrefix))
}

func TestResolve_EmptyPrefixFails(t *testing.T) {
	_, err := Resolve("", "///")
	require.Error(t, err)
	assert.True(t, dlerrors.Is(err, dlerrors.CodeInvalidPrefix))
}

func TestPaths_Subpaths(t *testing.T) {
	p, err := Resolve("root", "ws/name")
	require.NoError(t, err)

	assert.Equal(t, "root/ws/name/session.json", p.SessionFile())
	assert.Equal(t, "root/ws/name/parameters.json", p.ParametersFile())
	assert.Equal(t, "root/ws/name/logs/logs.jsonl", p.LogsFile())
	assert.Equal(t, "root/ws/name/tracks/robot/pose/data.msgpack", p.TrackDataFile("robot/pose"))
	assert.Equal(t, "root/ws/name/tracks/robot/pose/metadata.json", p.TrackMetadataFile("robot/pose"))
	assert.Equal(t, "root/ws/name/files/abc123/photo.png", p.FileBlobPath("abc123", "photo.png"))
	assert.Equal(t, "root/ws/name/files/.files_metadata.json", p.FilesMetadataFile())
	assert.Equal(t, "root/ws/name/files/.files_metadata.lock", p.FilesLockFile())
}
