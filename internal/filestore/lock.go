// lock.go: sentinel lock files with staleness reclamation. Guards a single
// asset against concurrent pipeline runs without a distributed lock; locks
// older than the staleness threshold are treated as abandoned.
package filestore

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// lockExt is the companion-file suffix marking an asset as in use.
const lockExt = ".lock"

// Lock is a held sentinel lock.
type Lock struct {
	path string
}

// AcquireLock creates a sentinel lock file next to the asset. A lock held
// by another process is respected unless it is older than staleness, in
// which case it is reclaimed with a warning.
func (s *Store) AcquireLock(assetPath string, staleness time.Duration) (*Lock, error) {
	lockPath := assetPath + lockExt

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
		f.Close()
		return &Lock{path: lockPath}, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("creating lock %s: %w", lockPath, err)
	}

	info, statErr := os.Stat(lockPath)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			// Lost a race with the holder releasing; retry once.
			return s.AcquireLock(assetPath, staleness)
		}
		return nil, fmt.Errorf("inspecting lock %s: %w", lockPath, statErr)
	}

	age := time.Since(info.ModTime())
	if age < staleness {
		return nil, fmt.Errorf("asset %s is locked (lock age %s): %w", assetPath, age.Round(time.Second), os.ErrExist)
	}

	s.logger.Warn("reclaiming stale lock",
		"lock", lockPath,
		"age", age.String(),
		"holder_pid", readLockPid(lockPath))
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reclaiming stale lock %s: %w", lockPath, err)
	}
	return s.AcquireLock(assetPath, staleness)
}

// Release removes the lock file. Safe to call on an already-released lock.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing lock %s: %w", l.path, err)
	}
	return nil
}

func readLockPid(lockPath string) int {
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return 0
	}
	pid, _ := strconv.Atoi(string(data[:len(data)-1]))
	return pid
}
