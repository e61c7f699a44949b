// Package pipeline composes the processing components and drives the two
// end-to-end flows: processing (compliance, frames, text metadata,
// prediction) and anonymization. Stage failures are caught here, logged and
// recorded; inner components return errors and never decide process fate.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"time"

	"github.com/endoreg/endoscrub/internal/anonymizer"
	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/datastore"
	"github.com/endoreg/endoscrub/internal/errors"
	"github.com/endoreg/endoscrub/internal/filestore"
	"github.com/endoreg/endoscrub/internal/frames"
	"github.com/endoreg/endoscrub/internal/inference"
	"github.com/endoreg/endoscrub/internal/logging"
	"github.com/endoreg/endoscrub/internal/observability"
	"github.com/endoreg/endoscrub/internal/ocr"
	"github.com/endoreg/endoscrub/internal/transcoder"
	"github.com/endoreg/endoscrub/internal/validation"
)

// EngineFactory builds an inference engine for one video's model and crop
// region. Swappable so tests can inject a fake.
type EngineFactory func(row *datastore.AiModel, settings *conf.InferenceSettings, crop image.Rectangle) (inference.Engine, *inference.ModelSpec, error)

// Pipeline wires the components together.
type Pipeline struct {
	settings *conf.Settings
	ds       datastore.Interface
	store    *filestore.Store
	tc       *transcoder.Transcoder

	frames     *frames.Extractor
	predictor  *inference.Predictor
	checker    *validation.Checker
	anonymizer *anonymizer.Anonymizer

	ocrEngine     ocr.Engine
	engineFactory EngineFactory
	metrics       *observability.PipelineMetrics
	logger        *slog.Logger
}

// Option customizes pipeline construction.
type Option func(*Pipeline)

// WithOCREngine replaces the default tesseract engine.
func WithOCREngine(engine ocr.Engine) Option {
	return func(p *Pipeline) { p.ocrEngine = engine }
}

// WithEngineFactory replaces the default tflite engine factory.
func WithEngineFactory(factory EngineFactory) Option {
	return func(p *Pipeline) { p.engineFactory = factory }
}

// WithMetrics attaches pipeline metrics. Without it metric calls are no-ops.
func WithMetrics(m *observability.PipelineMetrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New composes a pipeline from settings and an open datastore.
func New(settings *conf.Settings, ds datastore.Interface, opts ...Option) (*Pipeline, error) {
	store := filestore.New(&settings.Storage, settings.StorageMargin)
	if err := store.EnsureLayout(); err != nil {
		return nil, err
	}

	tc := transcoder.New(&settings.Transcode)
	checker := validation.New(ds)

	p := &Pipeline{
		settings:   settings,
		ds:         ds,
		store:      store,
		tc:         tc,
		frames:     frames.New(ds, store, tc, settings.Transcode.FrameExt),
		predictor:  inference.NewPredictor(ds, store, &settings.Inference),
		checker:    checker,
		anonymizer: anonymizer.New(ds, store, tc, checker, settings),
		engineFactory: func(row *datastore.AiModel, inf *conf.InferenceSettings, crop image.Rectangle) (inference.Engine, *inference.ModelSpec, error) {
			engine, err := inference.NewTFLiteEngine(row, inf, crop)
			if err != nil {
				return nil, nil, err
			}
			return engine, engine.Spec(), nil
		},
		logger: logging.ForService("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Store exposes the file store for commands that manage assets directly.
func (p *Pipeline) Store() *filestore.Store { return p.store }

// Transcoder exposes the transcoder for commands that probe directly.
func (p *Pipeline) Transcoder() *transcoder.Transcoder { return p.tc }

// Checker exposes the validation gate for review commands.
func (p *Pipeline) Checker() *validation.Checker { return p.checker }

// RunProcessing drives the processing flow over one video: codec
// compliance, frame extraction, text metadata recovery and segment
// prediction. A stage whose preconditions are unmet is skipped with a
// warning; a failing stage aborts the flow. Returns whether the flow ran to
// the end without failure.
func (p *Pipeline) RunProcessing(ctx context.Context, video *datastore.Video, overwrite bool) bool {
	if !p.runStage("compliance", video, func() error {
		return p.ensureCompliant(ctx, video)
	}) {
		return false
	}

	// Compliance may have rewritten the raw file and its metadata columns.
	fresh, err := p.ds.RefetchVideo(video.ID)
	if err != nil {
		p.logger.Error("refetching video after compliance", "video", video.UUID, "error", err)
		return false
	}
	*video = *fresh

	if !p.runStage("frames", video, func() error {
		if err := p.frames.ExtractAll(ctx, video, overwrite); err != nil {
			return err
		}
		p.metrics.AddFramesExtracted(video.FrameCount)
		return nil
	}) {
		return false
	}

	if !p.runStage("ocr", video, func() error {
		return p.skipNotReady(video, "ocr", p.extractTextMeta(ctx, video, overwrite))
	}) {
		return false
	}

	if !p.runStage("prediction", video, func() error {
		return p.skipNotReady(video, "prediction", p.predict(ctx, video))
	}) {
		return false
	}

	p.logger.Info("processing flow complete", "video", video.UUID)
	return true
}

// RunAnonymization drives the anonymization flow over one video: frames are
// re-extracted when missing, the masked video is produced, post-commit
// cleanup effects are drained and the sensitive metadata is destroyed.
// Returns whether the flow ran to the end without failure.
func (p *Pipeline) RunAnonymization(ctx context.Context, video *datastore.Video, deleteOriginalRaw bool) bool {
	if !p.runStage("frames", video, func() error {
		state, err := p.ds.GetOrCreateState(video.ID)
		if err != nil {
			return err
		}
		if state.FramesExtracted {
			return nil
		}
		return p.frames.ExtractAll(ctx, video, false)
	}) {
		return false
	}

	var rawSize int64
	if video.HasRaw() {
		if info, err := os.Stat(video.RawFile); err == nil {
			rawSize = info.Size()
		}
	}

	var effects []anonymizer.Effect
	if !p.runStage("anonymize", video, func() error {
		var err error
		effects, err = p.anonymizer.Anonymize(ctx, video, deleteOriginalRaw)
		if err != nil {
			return err
		}
		p.metrics.AddFramesAnonymized(video.FrameCount)
		return nil
	}) {
		return false
	}

	drainErr := anonymizer.Drain(effects, func(name string, err error) {
		p.logger.Error("post-commit effect failed", "effect", name, "video", video.UUID, "error", err)
		p.metrics.RecordStageError("effects", categoryOf(err))
	})
	if drainErr == nil && deleteOriginalRaw {
		p.metrics.AddRawBytesReclaimed(rawSize)
	}

	if video.SensitiveMetaID != nil {
		if !p.runStage("sensitive-meta-cleanup", video, func() error {
			return p.ds.DeleteSensitiveMeta(video.ID)
		}) {
			return false
		}
		video.SensitiveMetaID = nil
		video.SensitiveMeta = nil
	}

	if drainErr != nil {
		// The anonymized output is recorded; only cleanup is pending. Report
		// failure so the operator re-runs the flow.
		return false
	}

	p.logger.Info("anonymization flow complete", "video", video.UUID)
	return true
}

// ensureCompliant normalizes the raw video to the configured codec target
// and fills the video's technical metadata columns. A rewritten raw file is
// re-hashed; the content identity follows the bytes on disk.
func (p *Pipeline) ensureCompliant(ctx context.Context, video *datastore.Video) error {
	if !video.HasRaw() {
		return errors.NotFoundError("video %s has no raw file reference", video.UUID)
	}

	output, err := p.tc.EnsureCompliant(ctx, video.RawFile, "")
	if err != nil {
		return err
	}

	columns := map[string]any{}

	if output != video.RawFile {
		compliantPath := p.store.RawPath(video.UUID, ".mp4")
		if err := p.store.AtomicMove(output, compliantPath); err != nil {
			return err
		}
		if compliantPath != video.RawFile {
			if err := p.store.RemoveFile(video.RawFile); err != nil {
				p.logger.Warn("failed to remove pre-compliance raw file",
					"video", video.UUID, "path", video.RawFile, "error", err)
			}
		}
		hash, err := filestore.HashFile(compliantPath)
		if err != nil {
			return err
		}
		columns["raw_file"] = compliantPath
		columns["raw_hash"] = hash
		video.RawFile = compliantPath
	}

	info, err := p.tc.Probe(ctx, video.RawFile)
	if err != nil {
		return err
	}
	if video.FPS != info.FPS || video.Width != info.Width || video.Height != info.Height ||
		video.Duration != info.Duration || video.FrameCount != info.FrameCount() {
		columns["fps"] = info.FPS
		columns["width"] = info.Width
		columns["height"] = info.Height
		columns["duration"] = info.Duration
		columns["frame_count"] = info.FrameCount()
	}

	if len(columns) > 0 {
		if err := p.ds.UpdateVideoColumns(video.ID, columns); err != nil {
			return err
		}
	}
	return p.ds.MarkVideoMetaExtracted(video.ID, true)
}

// extractTextMeta recovers sensitive metadata from sampled frames.
func (p *Pipeline) extractTextMeta(ctx context.Context, video *datastore.Video, overwrite bool) error {
	engine := p.ocrEngine
	if engine == nil {
		var err error
		engine, err = ocr.NewTesseractEngine(p.settings.OCR.TesseractPath, p.settings.OCR.Language)
		if err != nil {
			return err
		}
		p.ocrEngine = engine
	}

	extractor := ocr.New(p.ds, p.store, engine, &p.settings.OCR, p.settings.HashSalt)
	texts, err := extractor.ExtractText(ctx, video, overwrite)
	if err != nil {
		return err
	}
	return extractor.UpdateSensitiveMeta(ctx, video, texts, overwrite)
}

// predict runs segment prediction with the video's active model.
func (p *Pipeline) predict(ctx context.Context, video *datastore.Video) error {
	if video.ActiveModelID == nil {
		return errors.New(errors.ErrNotReady).
			Category(errors.CategoryState).
			Context("reason", "no active model assigned").
			Build()
	}
	row, err := p.ds.GetAiModel(*video.ActiveModelID)
	if err != nil {
		return err
	}

	weights := row.WeightsPath
	if weights == "" {
		weights = p.settings.Inference.ModelPath
	}
	if _, err := os.Stat(weights); err != nil {
		return errors.New(errors.ErrNotReady).
			Category(errors.CategoryState).
			Context("reason", "model weights file missing").
			Context("weights", weights).
			Build()
	}

	crop := image.Rectangle{}
	if video.Processor != nil && video.Processor.ROIWidth > 0 && video.Processor.ROIHeight > 0 {
		crop = image.Rect(
			video.Processor.ROIX,
			video.Processor.ROIY,
			video.Processor.ROIX+video.Processor.ROIWidth,
			video.Processor.ROIY+video.Processor.ROIHeight,
		)
	}

	engine, spec, err := p.engineFactory(row, &p.settings.Inference, crop)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := engine.Close(); cerr != nil {
			p.logger.Warn("closing inference engine", "video", video.UUID, "error", cerr)
		}
	}()

	result, err := p.predictor.Predict(ctx, video, engine, spec)
	if err != nil {
		return err
	}
	created, err := p.predictor.MaterializeSegments(video, result)
	if err != nil {
		return err
	}
	p.metrics.AddSegmentsCreated(created)
	return nil
}

// runStage executes one stage with metrics and boundary error handling.
func (p *Pipeline) runStage(name string, video *datastore.Video, fn func() error) bool {
	start := time.Now()
	err := fn()
	p.metrics.RecordStage(name, err, time.Since(start))
	if err != nil {
		p.metrics.RecordStageError(name, categoryOf(err))
		p.logger.Error("stage failed",
			"stage", name, "video", video.UUID, "error", err)
		return false
	}
	return true
}

// skipNotReady converts an unmet-precondition error into a logged skip so
// the remaining stages still run.
func (p *Pipeline) skipNotReady(video *datastore.Video, stage string, err error) error {
	if err != nil && errors.Is(err, errors.ErrNotReady) {
		p.logger.Warn("stage preconditions unmet, skipping",
			"stage", stage, "video", video.UUID, "reason", fmt.Sprint(err))
		return nil
	}
	return err
}

func categoryOf(err error) string {
	var enhanced *errors.EnhancedError
	if errors.As(err, &enhanced) {
		return enhanced.GetCategory()
	}
	return string(errors.CategoryGeneric)
}
