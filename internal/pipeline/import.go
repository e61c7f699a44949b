// import.go: bringing an external recording under pipeline management. The
// source is hashed before anything else so a re-import of identical bytes
// converges on the existing row instead of duplicating assets.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/endoreg/endoscrub/internal/datastore"
	"github.com/endoreg/endoscrub/internal/errors"
	"github.com/endoreg/endoscrub/internal/filestore"
)

// ImportOptions parameterizes one video import.
type ImportOptions struct {
	Source        string // path of the recording to import
	CenterName    string // owning center, created when unknown
	ProcessorName string // capture hardware, created when unknown
	ModelName     string // active model name, optional
	ModelVersion  string // active model version, optional
	Move          bool   // delete the source after a verified copy
}

// ImportVideo registers a recording: capacity check, content hash with
// duplicate resolution, verified copy into the raw store and row creation.
// A duplicate import returns the existing video together with
// ErrDuplicateHash; the caller decides whether that is an error.
func (p *Pipeline) ImportVideo(ctx context.Context, opts ImportOptions) (*datastore.Video, error) {
	info, err := os.Stat(opts.Source)
	if err != nil {
		return nil, errors.New(fmt.Errorf("inspecting import source: %w", err)).
			Category(errors.CategoryNotFound).
			FileContext(opts.Source, 0).
			Build()
	}

	rawRoot := filepath.Join(p.settings.Storage.Root, p.settings.Storage.RawDir)
	if err := p.store.CheckStorageCapacity(info.Size(), rawRoot); err != nil {
		return nil, err
	}

	rawHash, err := filestore.HashFile(opts.Source)
	if err != nil {
		return nil, err
	}
	if existing, ferr := p.ds.FindVideoByRawHash(rawHash); ferr != nil {
		return nil, ferr
	} else if existing != nil {
		return existing, errors.New(errors.ErrDuplicateHash).
			Category(errors.CategoryConflict).
			Context("raw_hash", rawHash).
			Context("existing_video", existing.UUID).
			Build()
	}

	streamInfo, err := p.tc.Probe(ctx, opts.Source)
	if err != nil {
		return nil, err
	}

	video := &datastore.Video{
		UUID:       uuid.New().String(),
		RawHash:    rawHash,
		FPS:        streamInfo.FPS,
		Width:      streamInfo.Width,
		Height:     streamInfo.Height,
		Duration:   streamInfo.Duration,
		FrameCount: streamInfo.FrameCount(),
	}

	if opts.CenterName != "" {
		center, cerr := p.ds.GetOrCreateCenter(opts.CenterName)
		if cerr != nil {
			return nil, cerr
		}
		video.CenterID = &center.ID
	}
	if opts.ProcessorName != "" {
		processor, perr := p.ds.GetOrCreateProcessor(opts.ProcessorName)
		if perr != nil {
			return nil, perr
		}
		video.ProcessorID = &processor.ID
	}
	if opts.ModelName != "" {
		model, merr := p.ds.FindAiModel(opts.ModelName, opts.ModelVersion)
		if merr != nil {
			return nil, merr
		}
		if model == nil {
			return nil, errors.NotFoundError("model %s %s is not registered", opts.ModelName, opts.ModelVersion)
		}
		video.ActiveModelID = &model.ID
	}

	ext := strings.ToLower(filepath.Ext(opts.Source))
	if ext == "" {
		ext = ".mp4"
	}
	rawPath := p.store.RawPath(video.UUID, ext)

	if opts.Move {
		err = p.store.AtomicMove(opts.Source, rawPath)
	} else {
		err = p.store.AtomicCopy(opts.Source, rawPath)
	}
	if err != nil {
		return nil, err
	}
	video.RawFile = rawPath

	if err := p.ds.CreateVideo(video); err != nil {
		// A racing import of the same bytes won the row; drop our copy and
		// converge on the winner, which CreateVideo loaded into video.
		if errors.Is(err, errors.ErrDuplicateHash) {
			if rmErr := p.store.RemoveFile(rawPath); rmErr != nil {
				p.logger.Warn("failed to remove redundant raw copy", "path", rawPath, "error", rmErr)
			}
			return video, err
		}
		if rmErr := p.store.RemoveFile(rawPath); rmErr != nil {
			p.logger.Warn("failed to remove raw copy after create failure", "path", rawPath, "error", rmErr)
		}
		return nil, err
	}

	if _, err := p.ds.GetOrCreateState(video.ID); err != nil {
		return nil, err
	}
	if err := p.ds.MarkVideoMetaExtracted(video.ID, true); err != nil {
		return nil, err
	}

	p.logger.Info("video imported",
		"video", video.UUID,
		"source", opts.Source,
		"size", info.Size(),
		"fps", video.FPS,
		"frames", video.FrameCount)
	return video, nil
}
