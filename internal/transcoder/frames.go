// frames.go: frame sequence extraction. Frame files are named
// frame_%07d.<ext>, 7-digit zero-padded, 0-based, matching what the rest of
// the pipeline parses.
package transcoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FramePattern is the printf pattern frame files are written with.
const FramePattern = "frame_%07d"

// rangeTimeout bounds one ranged extraction so a single stuck chunk cannot
// hang the whole run.
const rangeTimeout = 10 * time.Minute

// FrameFileName returns the canonical file name for a frame number.
func FrameFileName(frameNumber int, ext string) string {
	return fmt.Sprintf(FramePattern, frameNumber) + ext
}

// ParseFrameNumber extracts the frame number from a frame file path.
func ParseFrameNumber(path string) (int, error) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	numStr, ok := strings.CutPrefix(base, "frame_")
	if !ok {
		return 0, fmt.Errorf("unexpected frame file name %q", filepath.Base(path))
	}
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, fmt.Errorf("parsing frame number from %q: %w", filepath.Base(path), err)
	}
	return n, nil
}

// ExtractFrames dumps every frame of a video into outDir. Returns the
// sorted list of produced files. An empty result with a nil error means the
// tool ran but produced nothing; a missing tool is an error, so callers can
// tell the two apart.
func (t *Transcoder) ExtractFrames(ctx context.Context, videoPath, outDir string, fpsOverride float64) ([]string, error) {
	if err := validateBinary(t.settings.FfmpegPath); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating frame directory %s: %w", outDir, err)
	}

	outPattern := filepath.Join(outDir, FramePattern+t.settings.FrameExt)
	args := []string{
		"-y",
		"-i", videoPath,
		"-qscale:v", strconv.Itoa(t.settings.Quality),
		"-start_number", "0",
	}
	if fpsOverride > 0 {
		args = append(args, "-vf", fmt.Sprintf("fps=%g", fpsOverride))
	}
	args = append(args, outPattern)

	if err := t.runFFmpeg(ctx, args, 0); err != nil {
		return nil, err
	}

	return listFrameFiles(outDir, t.settings.FrameExt)
}

// ExtractFrameRange pulls exactly frames [start, end) using a frame-index
// select filter. On failure, any files created within that exact range are
// deleted before the error is returned, so a naive re-run does not skip a
// half-populated range.
func (t *Transcoder) ExtractFrameRange(ctx context.Context, videoPath, outDir string, start, end int) ([]string, error) {
	if start < 0 || start >= end {
		return nil, fmt.Errorf("invalid frame range [%d, %d)", start, end)
	}
	if err := validateBinary(t.settings.FfmpegPath); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating frame directory %s: %w", outDir, err)
	}

	outPattern := filepath.Join(outDir, FramePattern+t.settings.FrameExt)
	args := []string{
		"-y",
		"-i", videoPath,
		"-vf", fmt.Sprintf("select='between(n\\,%d\\,%d)'", start, end-1),
		"-vsync", "0",
		"-qscale:v", strconv.Itoa(t.settings.Quality),
		"-start_number", strconv.Itoa(start),
		outPattern,
	}

	if err := t.runFFmpeg(ctx, args, rangeTimeout); err != nil {
		t.cleanupRange(outDir, start, end)
		return nil, err
	}

	files, err := listFrameFiles(outDir, t.settings.FrameExt)
	if err != nil {
		t.cleanupRange(outDir, start, end)
		return nil, err
	}

	inRange := files[:0]
	for _, f := range files {
		n, perr := ParseFrameNumber(f)
		if perr != nil {
			continue
		}
		if n >= start && n < end {
			inRange = append(inRange, f)
		}
	}
	return inRange, nil
}

// cleanupRange removes frame files within [start, end), best effort.
func (t *Transcoder) cleanupRange(outDir string, start, end int) {
	for n := start; n < end; n++ {
		path := filepath.Join(outDir, FrameFileName(n, t.settings.FrameExt))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			t.logger.Warn("failed to clean up partial range frame", "path", path, "error", err)
		}
	}
}

// listFrameFiles returns the frame files in a directory sorted by name,
// which by construction is frame-number order.
func listFrameFiles(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing frame directory %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "frame_") && strings.HasSuffix(name, ext) {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}
