package cleanup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type claimSet map[string]bool

func (c claimSet) Claimed(path string) bool { return c[path] }

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestCleanRemovesOnlyStaleUnclaimedFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	stale := filepath.Join(dir, "stream_1.wav")
	fresh := filepath.Join(dir, "upload.wav")
	claimed := filepath.Join(dir, "busy.wav")
	nested := filepath.Join(dir, "sub", "old.mp3")

	writeAged(t, stale, 48*time.Hour)
	writeAged(t, fresh, time.Minute)
	writeAged(t, claimed, 48*time.Hour)
	writeAged(t, nested, 25*time.Hour)

	s := NewScheduler(dir, time.Hour, 24*time.Hour, claimSet{claimed: true}, nil)
	require.Equal(t, 2, s.Clean())

	require.NoFileExists(t, stale)
	require.NoFileExists(t, nested)
	require.FileExists(t, fresh)
	require.FileExists(t, claimed)
}

func TestCleanMissingDirectory(t *testing.T) {
	t.Parallel()

	s := NewScheduler(filepath.Join(t.TempDir(), "missing"), time.Hour, time.Hour, nil, nil)
	require.Zero(t, s.Clean())
}

func TestEnsureDirs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	a := filepath.Join(root, "temp")
	b := filepath.Join(root, "data", "transcripts")
	require.NoError(t, EnsureDirs(nil, a, "", b))
	require.DirExists(t, a)
	require.DirExists(t, b)
}
