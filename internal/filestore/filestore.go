// Package filestore owns the on-disk layout of video assets and the safe
// file operations the pipeline performs on them. It mutates the filesystem
// only; model-state updates are the caller's business.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/errors"
	"github.com/endoreg/endoscrub/internal/logging"
)

// tempExt is appended to in-flight copies so a crashed operation never
// leaves a file that looks complete.
const tempExt = ".temp"

// Store derives asset paths from the storage config and performs guarded
// file operations.
type Store struct {
	cfg    *conf.StorageConfig
	margin float64
	logger *slog.Logger
}

// New creates a store rooted at the configured storage root.
func New(cfg *conf.StorageConfig, marginFactor float64) *Store {
	return &Store{
		cfg:    cfg,
		margin: marginFactor,
		logger: logging.ForService("filestore"),
	}
}

// Config exposes the underlying storage layout.
func (s *Store) Config() *conf.StorageConfig { return s.cfg }

// RawPath returns the canonical raw-video path for a video UUID.
func (s *Store) RawPath(uuid, ext string) string { return s.cfg.RawPath(uuid, ext) }

// ProcessedPath returns the canonical processed-video path for a video UUID.
func (s *Store) ProcessedPath(uuid string) string { return s.cfg.ProcessedPath(uuid) }

// FramePath returns the frame directory for a video UUID.
func (s *Store) FramePath(uuid string) string { return s.cfg.FramePath(uuid) }

// TempFramePath returns the temporary anonymization frame directory for a
// video UUID.
func (s *Store) TempFramePath(uuid string) string { return s.cfg.TempFramePath(uuid) }

// EnsureLayout creates the storage subdirectories.
func (s *Store) EnsureLayout() error {
	for _, dir := range []string{
		filepath.Join(s.cfg.Root, s.cfg.RawDir),
		filepath.Join(s.cfg.Root, s.cfg.ProcessedDir),
		filepath.Join(s.cfg.Root, s.cfg.FrameDir),
		filepath.Join(s.cfg.Root, s.cfg.TempDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating storage directory %s: %w", dir, err)
		}
	}
	return nil
}

// CheckStorageCapacity fails when the filesystem holding dstRoot cannot fit
// srcSize bytes with the configured margin. It never silently proceeds.
func (s *Store) CheckStorageCapacity(srcSize int64, dstRoot string) error {
	return CheckStorageCapacity(srcSize, dstRoot, s.margin)
}

// CheckStorageCapacity is the package-level capacity pre-check.
func CheckStorageCapacity(srcSize int64, dstRoot string, marginFactor float64) error {
	usage, err := disk.Usage(dstRoot)
	if err != nil {
		return errors.New(fmt.Errorf("checking disk usage of %s: %w", dstRoot, err)).
			Category(errors.CategoryStorageCapacity).
			Build()
	}

	required := uint64(float64(srcSize) * marginFactor)
	if usage.Free < required {
		return &errors.InsufficientStorageError{
			Path:      dstRoot,
			Required:  required,
			Available: usage.Free,
		}
	}
	return nil
}

// HashFile computes the sha256 content hash of a file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// AtomicCopy copies src to dst by writing to a sibling temp name first and
// renaming into place. The destination's hash is verified against the
// source hash; on mismatch the destination is removed and ErrHashMismatch
// returned. Temp artifacts are cleaned up on any failure.
func (s *Store) AtomicCopy(src, dst string) error {
	srcHash, err := HashFile(src)
	if err != nil {
		return err
	}
	return s.copyVerified(src, dst, srcHash)
}

// AtomicMove moves src to dst, preferring rename. On cross-device rename
// failure it falls back to copy+verify+delete-source.
func (s *Store) AtomicMove(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	// Rename across filesystems fails with EXDEV; fall back to a verified
	// copy and delete the source only after verification succeeded.
	srcHash, err := HashFile(src)
	if err != nil {
		return err
	}
	if err := s.copyVerified(src, dst, srcHash); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("removing source after move: %w", err)
	}
	return nil
}

func (s *Store) copyVerified(src, dst, srcHash string) (err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	tempPath := dst + tempExt
	defer func() {
		if err != nil {
			if rmErr := os.Remove(tempPath); rmErr != nil && !os.IsNotExist(rmErr) {
				s.logger.Warn("failed to clean up temp copy", "path", tempPath, "error", rmErr)
			}
		}
	}()

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("creating temp file %s: %w", tempPath, err)
	}

	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err = out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("syncing %s: %w", tempPath, err)
	}
	if err = out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tempPath, err)
	}

	dstHash, err := HashFile(tempPath)
	if err != nil {
		return err
	}
	if dstHash != srcHash {
		err = errors.New(errors.ErrHashMismatch).
			Category(errors.CategoryIntegrity).
			Context("src", src).
			Context("dst", dst).
			Priority(errors.PriorityCritical).
			Build()
		return err
	}

	if err = os.Rename(tempPath, dst); err != nil {
		return fmt.Errorf("renaming %s into place: %w", tempPath, err)
	}
	return nil
}

// RemoveDir deletes a directory tree, tolerating its absence.
func (s *Store) RemoveDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing directory %s: %w", dir, err)
	}
	return nil
}

// RemoveFile deletes a file, tolerating its absence.
func (s *Store) RemoveFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file %s: %w", path, err)
	}
	return nil
}
