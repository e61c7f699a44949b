// Package anonymizer produces the de-identified video: frames are
// regenerated with the device overlay blacked out, outside-body frames are
// blacked out entirely, and the result is assembled, hashed and recorded
// before any irreversible cleanup of the raw material runs.
package anonymizer

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/datastore"
	"github.com/endoreg/endoscrub/internal/errors"
	"github.com/endoreg/endoscrub/internal/filestore"
	"github.com/endoreg/endoscrub/internal/logging"
	"github.com/endoreg/endoscrub/internal/transcoder"
	"github.com/endoreg/endoscrub/internal/validation"
)

// Assembler encodes a frame directory back into a video. Satisfied by
// transcoder.Transcoder.
type Assembler interface {
	AssembleVideo(ctx context.Context, frameDir, outputPath string, fps float64, width, height int) (string, error)
}

// Anonymizer regenerates masked frames and assembles the processed video.
type Anonymizer struct {
	ds            datastore.Interface
	store         *filestore.Store
	assembler     Assembler
	checker       *validation.Checker
	workers       int
	frameExt      string
	lockStaleness time.Duration
	logger        *slog.Logger
}

// New creates an anonymizer.
func New(ds datastore.Interface, store *filestore.Store, assembler Assembler, checker *validation.Checker, settings *conf.Settings) *Anonymizer {
	workers := settings.AnonymizerWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Anonymizer{
		ds:            ds,
		store:         store,
		assembler:     assembler,
		checker:       checker,
		workers:       workers,
		frameExt:      settings.Transcode.FrameExt,
		lockStaleness: time.Duration(settings.LockStaleness) * time.Second,
		logger:        logging.ForService("anonymizer"),
	}
}

// Anonymize runs the full anonymization of one video. An already-anonymized
// video is a no-op success. A failed readiness gate returns an error with
// the video's state untouched. The returned effects must be drained by the
// caller after it has observed the successful return; they hold the
// irreversible raw-asset cleanup.
func (a *Anonymizer) Anonymize(ctx context.Context, video *datastore.Video, deleteOriginalRaw bool) ([]Effect, error) {
	start := time.Now()

	state, err := a.ds.GetOrCreateState(video.ID)
	if err != nil {
		return nil, err
	}
	if state.Anonymized {
		a.logger.Info("video already anonymized, nothing to do", "video", video.UUID)
		return nil, nil
	}

	readiness, err := a.checker.CanAnonymize(video)
	if err != nil {
		return nil, err
	}
	if !readiness.Ready() {
		return nil, errors.Newf("video %s is not cleared for anonymization: %s", video.UUID, readiness.Explain()).
			Category(errors.CategoryValidation).
			VideoContext(video.UUID, video.FrameCount).
			Build()
	}

	lock, err := a.store.AcquireLock(video.RawFile, a.lockStaleness)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryConflict).
			FileContext(video.RawFile, 0).
			Build()
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			a.logger.Warn("failed to release anonymization lock", "video", video.UUID, "error", rerr)
		}
	}()

	outsideFrames, err := a.outsideFrameSet(video.ID)
	if err != nil {
		return nil, err
	}

	frames, err := a.ds.GetExtractedFrames(video.ID)
	if err != nil {
		return nil, err
	}
	if video.FrameCount > 0 && len(frames) != video.FrameCount {
		return nil, errors.Newf("expected %d extracted frames, found %d", video.FrameCount, len(frames)).
			Category(errors.CategoryIntegrity).
			VideoContext(video.UUID, video.FrameCount).
			Priority(errors.PriorityCritical).
			Build()
	}

	tempDir := a.store.TempFramePath(video.UUID)
	if err := a.store.RemoveDir(tempDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp frame directory: %w", err)
	}
	defer func() {
		if rerr := a.store.RemoveDir(tempDir); rerr != nil {
			a.logger.Warn("failed to remove temp frame directory", "video", video.UUID, "error", rerr)
		}
	}()

	if err := a.regenerateFrames(ctx, video, frames, outsideFrames, tempDir); err != nil {
		return nil, err
	}

	// Assemble next to the temp frame dir; only a verified move publishes
	// the result under the canonical processed path.
	stagedOutput := tempDir + ".mp4"
	defer func() {
		if rerr := a.store.RemoveFile(stagedOutput); rerr != nil {
			a.logger.Warn("failed to remove staged output", "video", video.UUID, "error", rerr)
		}
	}()

	if _, err := a.assembler.AssembleVideo(ctx, tempDir, stagedOutput, video.FPS, video.Width, video.Height); err != nil {
		return nil, err
	}

	processedHash, err := filestore.HashFile(stagedOutput)
	if err != nil {
		return nil, err
	}
	if other, ferr := a.ds.FindVideoByProcessedHash(processedHash); ferr != nil {
		return nil, ferr
	} else if other != nil && other.ID != video.ID {
		return nil, errors.Newf("processed output hash collides with video %s", other.UUID).
			Category(errors.CategoryConflict).
			Context("processed_hash", processedHash).
			Priority(errors.PriorityCritical).
			Build()
	}

	processedPath := a.store.ProcessedPath(video.UUID)
	info, err := os.Stat(stagedOutput)
	if err != nil {
		return nil, fmt.Errorf("inspecting staged output: %w", err)
	}
	if err := a.store.CheckStorageCapacity(info.Size(), filepath.Dir(processedPath)); err != nil {
		return nil, err
	}
	if err := a.store.AtomicMove(stagedOutput, processedPath); err != nil {
		return nil, err
	}

	rawPath := video.RawFile
	columns := map[string]any{
		"processed_file": processedPath,
		"processed_hash": processedHash,
	}
	if deleteOriginalRaw {
		columns["raw_file"] = ""
	}

	err = a.ds.Transaction(func(tx *datastore.DataStore) error {
		if err := tx.UpdateVideoColumns(video.ID, columns); err != nil {
			return err
		}
		return tx.MarkAnonymized(video.ID, true)
	})
	if err != nil {
		// No row claims the published file; remove it so a failed record
		// leaves no orphan under the processed path.
		if rerr := a.store.RemoveFile(processedPath); rerr != nil {
			a.logger.Warn("failed to remove unrecorded processed file",
				"video", video.UUID, "path", processedPath, "error", rerr)
		}
		return nil, errors.New(fmt.Errorf("recording anonymization result: %w", err)).
			Category(errors.CategoryAnonymization).
			VideoContext(video.UUID, video.FrameCount).
			Build()
	}
	video.ProcessedFile = processedPath
	video.ProcessedHash = &processedHash
	if deleteOriginalRaw {
		video.RawFile = ""
	}

	a.logger.Info("anonymization complete",
		"video", video.UUID,
		"frames", len(frames),
		"outside_frames", len(outsideFrames),
		"output", processedPath,
		"duration", time.Since(start))

	var effects []Effect
	if deleteOriginalRaw {
		effects = append(effects, Effect{
			Name: "cleanup-raw-assets",
			Run: func() error {
				return a.CleanupRawAssets(video.ID, rawPath)
			},
		})
	}
	return effects, nil
}

// outsideFrameSet unions every "outside" segment into a frame-number set.
func (a *Anonymizer) outsideFrameSet(videoID uint) (map[int]bool, error) {
	outside := map[int]bool{}

	label, err := a.ds.GetLabelByName(datastore.OutsideLabelName)
	if err != nil {
		return nil, err
	}
	if label == nil {
		return outside, nil
	}

	segments, err := a.ds.GetSegmentsByLabel(videoID, label.ID)
	if err != nil {
		return nil, err
	}
	for _, segment := range segments {
		for n := segment.StartFrameNumber; n < segment.EndFrameNumber; n++ {
			outside[n] = true
		}
	}
	return outside, nil
}

// regenerateFrames writes the masked copy of every extracted frame into
// tempDir with a bounded worker pool. A source frame missing on disk is a
// fatal integrity error; the output must cover every frame of the video.
func (a *Anonymizer) regenerateFrames(ctx context.Context, video *datastore.Video, frames []datastore.Frame, outsideFrames map[int]bool, tempDir string) error {
	roi := image.Rect(0, 0, video.Width, video.Height)
	if video.Processor != nil && video.Processor.ROIWidth > 0 && video.Processor.ROIHeight > 0 {
		roi = image.Rect(
			video.Processor.ROIX,
			video.Processor.ROIY,
			video.Processor.ROIX+video.Processor.ROIWidth,
			video.Processor.ROIY+video.Processor.ROIHeight,
		)
	} else {
		a.logger.Warn("no endoscope image region configured, keeping full frame",
			"video", video.UUID)
	}

	frameDir := a.store.FramePath(video.UUID)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for _, frame := range frames {
		frame := frame
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			srcPath := filepath.Join(frameDir, frame.RelativePath)
			if _, err := os.Stat(srcPath); err != nil {
				return errors.New(fmt.Errorf("frame %d missing on disk: %w", frame.FrameNumber, err)).
					Category(errors.CategoryIntegrity).
					FileContext(srcPath, 0).
					Priority(errors.PriorityCritical).
					Build()
			}
			dstPath := filepath.Join(tempDir, transcoder.FrameFileName(frame.FrameNumber, a.frameExt))
			if err := maskFrame(srcPath, dstPath, roi, outsideFrames[frame.FrameNumber]); err != nil {
				return errors.New(err).
					Category(errors.CategoryAnonymization).
					VideoContext(video.UUID, video.FrameCount).
					Build()
			}
			return nil
		})
	}
	return g.Wait()
}

// CleanupRawAssets deletes the raw video file and the extracted frame
// directory after a committed anonymization, then clears the frame flag.
// The row is re-fetched first; cleanup never trusts pre-commit state, and
// it refuses to run unless the row actually records the anonymization.
func (a *Anonymizer) CleanupRawAssets(videoID uint, rawPath string) error {
	fresh, err := a.ds.RefetchVideo(videoID)
	if err != nil {
		return err
	}
	if fresh.State == nil || !fresh.State.Anonymized || !fresh.IsProcessed() {
		return errors.Newf("refusing raw cleanup of video %s: anonymization not recorded", fresh.UUID).
			Category(errors.CategoryState).
			Priority(errors.PriorityCritical).
			Build()
	}

	if rawPath != "" {
		if err := a.store.RemoveFile(rawPath); err != nil {
			return err
		}
	}
	if err := a.store.RemoveDir(a.store.FramePath(fresh.UUID)); err != nil {
		return err
	}
	if err := a.ds.SetAllFramesExtractedFlag(videoID, false); err != nil {
		return err
	}
	if err := a.ds.MarkFramesExtracted(videoID, false); err != nil {
		return err
	}

	a.logger.Info("raw assets cleaned up", "video", fresh.UUID, "raw", rawPath)
	return nil
}
