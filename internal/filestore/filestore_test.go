package filestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/errors"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	cfg := &conf.StorageConfig{
		Root:         t.TempDir(),
		RawDir:       "raw",
		ProcessedDir: "processed",
		FrameDir:     "frames",
		TempDir:      "temp",
	}
	s := New(cfg, 1.0)
	require.NoError(t, s.EnsureLayout())
	return s
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestHashFileIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, filepath.Join(dir, "a"), "payload")
	b := writeFile(t, filepath.Join(dir, "b"), "payload")
	c := writeFile(t, filepath.Join(dir, "c"), "different")

	hashA, err := HashFile(a)
	require.NoError(t, err)
	hashB, err := HashFile(b)
	require.NoError(t, err)
	hashC, err := HashFile(c)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
	assert.NotEqual(t, hashA, hashC)
	assert.Len(t, hashA, 64)
}

func TestAtomicCopyRoundTrip(t *testing.T) {
	s := newStore(t)
	src := writeFile(t, filepath.Join(t.TempDir(), "src.mp4"), "video-bytes")
	dst := filepath.Join(s.Config().Root, "raw", "dst.mp4")

	srcHash, err := HashFile(src)
	require.NoError(t, err)

	require.NoError(t, s.AtomicCopy(src, dst))

	dstHash, err := HashFile(dst)
	require.NoError(t, err)
	assert.Equal(t, srcHash, dstHash)

	_, err = os.Stat(src)
	assert.NoError(t, err, "copy keeps the source")
	_, err = os.Stat(dst + tempExt)
	assert.True(t, os.IsNotExist(err), "no temp artifact left behind")
}

func TestAtomicMoveRoundTrip(t *testing.T) {
	s := newStore(t)
	src := writeFile(t, filepath.Join(t.TempDir(), "src.mp4"), "video-bytes")
	srcHash, err := HashFile(src)
	require.NoError(t, err)

	dst := filepath.Join(s.Config().Root, "raw", "moved.mp4")
	require.NoError(t, s.AtomicMove(src, dst))

	dstHash, err := HashFile(dst)
	require.NoError(t, err)
	assert.Equal(t, srcHash, dstHash)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "move removes the source")
}

func TestCopyVerifiedRejectsHashMismatch(t *testing.T) {
	s := newStore(t)
	src := writeFile(t, filepath.Join(t.TempDir(), "src.mp4"), "video-bytes")
	dst := filepath.Join(s.Config().Root, "raw", "dst.mp4")

	err := s.copyVerified(src, dst, "0000000000000000000000000000000000000000000000000000000000000000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrHashMismatch))

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr), "mismatched destination is not left in place")
	_, statErr = os.Stat(dst + tempExt)
	assert.True(t, os.IsNotExist(statErr), "temp artifact is cleaned up")
}

func TestRemoveToleratesAbsence(t *testing.T) {
	s := newStore(t)
	assert.NoError(t, s.RemoveFile(filepath.Join(s.Config().Root, "nope")))
	assert.NoError(t, s.RemoveDir(filepath.Join(s.Config().Root, "nope-dir")))
}

func TestAcquireLockExcludesSecondHolder(t *testing.T) {
	s := newStore(t)
	asset := writeFile(t, filepath.Join(s.Config().Root, "raw", "v.mp4"), "x")

	lock, err := s.AcquireLock(asset, time.Hour)
	require.NoError(t, err)

	_, err = s.AcquireLock(asset, time.Hour)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrExist))

	require.NoError(t, lock.Release())

	lock2, err := s.AcquireLock(asset, time.Hour)
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}

func TestAcquireLockReclaimsStale(t *testing.T) {
	s := newStore(t)
	asset := writeFile(t, filepath.Join(s.Config().Root, "raw", "v.mp4"), "x")

	// Abandoned lock from a dead process.
	writeFile(t, asset+lockExt, "99999\n")
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(asset+lockExt, old, old))

	lock, err := s.AcquireLock(asset, time.Hour)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := newStore(t)
	asset := writeFile(t, filepath.Join(s.Config().Root, "raw", "v.mp4"), "x")

	lock, err := s.AcquireLock(asset, time.Hour)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())

	var nilLock *Lock
	assert.NoError(t, nilLock.Release())
}

func TestCheckStorageCapacityMargin(t *testing.T) {
	s := newStore(t)
	// A petabyte with margin cannot fit anywhere in CI.
	err := s.CheckStorageCapacity(1<<50, s.Config().Root)
	require.Error(t, err)

	var insufficient *errors.InsufficientStorageError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, errors.CategoryStorageCapacity, insufficient.ErrorCategory())

	assert.NoError(t, s.CheckStorageCapacity(1, s.Config().Root))
}
