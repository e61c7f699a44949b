// Package frames turns a raw video into a directory of numbered frame
// images and the corresponding database rows, and keeps the two in sync.
package frames

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/endoreg/endoscrub/internal/datastore"
	"github.com/endoreg/endoscrub/internal/errors"
	"github.com/endoreg/endoscrub/internal/filestore"
	"github.com/endoreg/endoscrub/internal/logging"
	"github.com/endoreg/endoscrub/internal/transcoder"
)

// FrameTool produces frame image files from a video. Satisfied by
// transcoder.Transcoder.
type FrameTool interface {
	ExtractFrames(ctx context.Context, videoPath, outDir string, fpsOverride float64) ([]string, error)
	ExtractFrameRange(ctx context.Context, videoPath, outDir string, start, end int) ([]string, error)
}

// Extractor coordinates frame extraction between the frame tool, the
// filesystem and the frame rows.
type Extractor struct {
	ds     datastore.Interface
	store  *filestore.Store
	tool   FrameTool
	ext    string
	logger *slog.Logger
}

// New creates a frame extractor.
func New(ds datastore.Interface, store *filestore.Store, tool FrameTool, frameExt string) *Extractor {
	return &Extractor{
		ds:     ds,
		store:  store,
		tool:   tool,
		ext:    frameExt,
		logger: logging.ForService("frames"),
	}
}

// ExtractAll extracts every frame of the video. When the state flag already
// says extracted and overwrite is false, this is a no-op fast path that
// reconciles disk and database instead: extraction and the row update are
// not one atomic unit across a crash, so the disk is treated as ground
// truth and rows are corrected to match.
func (e *Extractor) ExtractAll(ctx context.Context, video *datastore.Video, overwrite bool) error {
	if video.RawFile == "" {
		return errors.NotFoundError("video %s has no raw file reference", video.UUID)
	}
	if _, err := os.Stat(video.RawFile); err != nil {
		return errors.New(fmt.Errorf("raw file missing on disk: %w", err)).
			Category(errors.CategoryNotFound).
			Context("path", video.RawFile).
			Build()
	}

	state, err := e.ds.GetOrCreateState(video.ID)
	if err != nil {
		return err
	}

	frameDir := e.store.FramePath(video.UUID)

	if state.FramesExtracted && !overwrite {
		e.logger.Debug("frames already extracted, reconciling", "video", video.UUID)
		return e.Reconcile(video)
	}

	if overwrite {
		if err := e.store.RemoveDir(frameDir); err != nil {
			return err
		}
		if err := e.ds.SetAllFramesExtractedFlag(video.ID, false); err != nil {
			return err
		}
	}

	// The long-running extraction runs outside any database transaction.
	files, err := e.tool.ExtractFrames(ctx, video.RawFile, frameDir, 0)
	if err != nil {
		return e.rollbackAll(video, frameDir, err)
	}

	frameNumbers := make([]int, 0, len(files))
	rows := make([]datastore.Frame, 0, len(files))
	for _, f := range files {
		n, perr := transcoder.ParseFrameNumber(f)
		if perr != nil {
			return e.rollbackAll(video, frameDir, perr)
		}
		frameNumbers = append(frameNumbers, n)
		rows = append(rows, datastore.Frame{
			VideoID:      video.ID,
			FrameNumber:  n,
			RelativePath: filepath.Base(f),
		})
	}

	// One short transaction for the row flips, separate from the
	// extraction above. The probed frame_count is only an estimate from
	// duration and rate; the extracted count replaces it.
	err = e.ds.Transaction(func(tx *datastore.DataStore) error {
		if err := tx.CreateFrames(rows); err != nil {
			return err
		}
		if err := tx.SetFramesExtractedFlag(video.ID, frameNumbers, true); err != nil {
			return err
		}
		if len(files) != video.FrameCount {
			if err := tx.UpdateVideoColumns(video.ID, map[string]any{"frame_count": len(files)}); err != nil {
				return err
			}
		}
		return tx.MarkFramesExtracted(video.ID, true)
	})
	if err != nil {
		return e.rollbackAll(video, frameDir, err)
	}
	if len(files) != video.FrameCount {
		e.logger.Info("frame count corrected from probe estimate",
			"video", video.UUID, "probed", video.FrameCount, "extracted", len(files))
		video.FrameCount = len(files)
	}

	e.logger.Info("extracted frames", "video", video.UUID, "count", len(files))
	return nil
}

// rollbackAll undoes a failed full extraction: partial files removed, rows
// and the state flag reset, then the original error re-raised with context.
func (e *Extractor) rollbackAll(video *datastore.Video, frameDir string, cause error) error {
	if err := e.store.RemoveDir(frameDir); err != nil {
		e.logger.Error("rollback: failed to remove frame directory", "video", video.UUID, "error", err)
	}
	if err := e.ds.SetAllFramesExtractedFlag(video.ID, false); err != nil {
		e.logger.Error("rollback: failed to reset frame rows", "video", video.UUID, "error", err)
	}
	if err := e.ds.MarkFramesExtracted(video.ID, false); err != nil {
		e.logger.Error("rollback: failed to reset state flag", "video", video.UUID, "error", err)
	}
	return errors.New(fmt.Errorf("frame extraction failed for video %s: %w", video.UUID, cause)).
		Category(errors.CategoryFrameExtraction).
		VideoContext(video.UUID, video.FrameCount).
		Build()
}

// Reconcile corrects frame rows against the files actually on disk. Rows
// for files that exist are flagged extracted (created if missing); rows
// flagged extracted whose file is gone are cleared.
func (e *Extractor) Reconcile(video *datastore.Video) error {
	frameDir := e.store.FramePath(video.UUID)

	onDisk := map[int]string{}
	entries, err := os.ReadDir(frameDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("listing frame directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		n, perr := transcoder.ParseFrameNumber(entry.Name())
		if perr != nil {
			continue
		}
		onDisk[n] = entry.Name()
	}

	rows, err := e.ds.GetFrames(video.ID)
	if err != nil {
		return err
	}
	known := map[int]*datastore.Frame{}
	for i := range rows {
		known[rows[i].FrameNumber] = &rows[i]
	}

	var toSet, toClear []int
	var toCreate []datastore.Frame
	for n, name := range onDisk {
		row, ok := known[n]
		switch {
		case !ok:
			toCreate = append(toCreate, datastore.Frame{
				VideoID:      video.ID,
				FrameNumber:  n,
				IsExtracted:  true,
				RelativePath: name,
			})
		case !row.IsExtracted:
			toSet = append(toSet, n)
		}
	}
	for n, row := range known {
		if _, ok := onDisk[n]; !ok && row.IsExtracted {
			toClear = append(toClear, n)
		}
	}

	if len(toCreate) == 0 && len(toSet) == 0 && len(toClear) == 0 {
		return nil
	}

	e.logger.Info("reconciling frame rows against disk",
		"video", video.UUID,
		"created", len(toCreate), "set", len(toSet), "cleared", len(toClear))

	return e.ds.Transaction(func(tx *datastore.DataStore) error {
		if err := tx.CreateFrames(toCreate); err != nil {
			return err
		}
		if err := tx.SetFramesExtractedFlag(video.ID, toSet, true); err != nil {
			return err
		}
		return tx.SetFramesExtractedFlag(video.ID, toClear, false)
	})
}

// ExtractRange extracts only frames [start, end). It never touches the
// top-level frames_extracted flag; only full extraction does.
func (e *Extractor) ExtractRange(ctx context.Context, video *datastore.Video, start, end int) error {
	if video.RawFile == "" {
		return errors.NotFoundError("video %s has no raw file reference", video.UUID)
	}
	if _, err := os.Stat(video.RawFile); err != nil {
		return errors.New(fmt.Errorf("raw file missing on disk: %w", err)).
			Category(errors.CategoryNotFound).
			Context("path", video.RawFile).
			Build()
	}

	frameDir := e.store.FramePath(video.UUID)
	files, err := e.tool.ExtractFrameRange(ctx, video.RawFile, frameDir, start, end)
	if err != nil {
		return err
	}

	frameNumbers := make([]int, 0, len(files))
	rows := make([]datastore.Frame, 0, len(files))
	for _, f := range files {
		n, perr := transcoder.ParseFrameNumber(f)
		if perr != nil {
			return perr
		}
		frameNumbers = append(frameNumbers, n)
		rows = append(rows, datastore.Frame{
			VideoID:      video.ID,
			FrameNumber:  n,
			RelativePath: filepath.Base(f),
		})
	}

	return e.ds.Transaction(func(tx *datastore.DataStore) error {
		if err := tx.CreateFrames(rows); err != nil {
			return err
		}
		return tx.SetFramesExtractedFlag(video.ID, frameNumbers, true)
	})
}

// DeleteRange removes the frame files in [start, end) and clears their
// rows' extraction flags. Rows are kept; annotations referencing frame
// numbers must survive.
func (e *Extractor) DeleteRange(video *datastore.Video, start, end int) error {
	if start < 0 || start >= end {
		return errors.ValidationError(fmt.Sprintf("invalid frame range [%d, %d)", start, end))
	}

	frameDir := e.store.FramePath(video.UUID)
	frameNumbers := make([]int, 0, end-start)
	for n := start; n < end; n++ {
		path := filepath.Join(frameDir, transcoder.FrameFileName(n, e.ext))
		if err := e.store.RemoveFile(path); err != nil {
			return err
		}
		frameNumbers = append(frameNumbers, n)
	}

	return e.ds.SetFramesExtractedFlag(video.ID, frameNumbers, false)
}

// DeleteAll removes the frame directory and any temp anonymization
// directory and clears every row's extraction flag. The top-level state
// flag flips false only when every file and row update succeeded.
func (e *Extractor) DeleteAll(video *datastore.Video) error {
	if err := e.store.RemoveDir(e.store.FramePath(video.UUID)); err != nil {
		return err
	}
	if err := e.store.RemoveDir(e.store.TempFramePath(video.UUID)); err != nil {
		return err
	}
	if err := e.ds.SetAllFramesExtractedFlag(video.ID, false); err != nil {
		return err
	}
	return e.ds.MarkFramesExtracted(video.ID, false)
}
