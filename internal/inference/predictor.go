// predictor.go: drives a full prediction pass over a video's extracted
// frames and materializes the resulting intervals as label video segments.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/datastore"
	"github.com/endoreg/endoscrub/internal/errors"
	"github.com/endoreg/endoscrub/internal/filestore"
	"github.com/endoreg/endoscrub/internal/logging"
)

// Result is the outcome of one prediction pass. Runs are keyed by label
// name with intervals in frame-number space.
type Result struct {
	Meta   *datastore.VideoPredictionMeta
	Labels []string
	Runs   map[string][]Run
}

// Predictor runs inference over extracted frames and persists the derived
// segments.
type Predictor struct {
	ds       datastore.Interface
	store    *filestore.Store
	settings *conf.InferenceSettings
	logger   *slog.Logger
}

// NewPredictor creates a predictor.
func NewPredictor(ds datastore.Interface, store *filestore.Store, settings *conf.InferenceSettings) *Predictor {
	return &Predictor{
		ds:       ds,
		store:    store,
		settings: settings,
		logger:   logging.ForService("inference"),
	}
}

// Predict classifies every extracted frame, smooths and thresholds the
// per-label confidences and stores the raw payload on the prediction-meta
// row. The initial_prediction flag flips only after everything persisted.
func (p *Predictor) Predict(ctx context.Context, video *datastore.Video, engine Engine, spec *ModelSpec) (*Result, error) {
	start := time.Now()

	state, err := p.ds.GetOrCreateState(video.ID)
	if err != nil {
		return nil, err
	}
	if !state.FramesExtracted {
		return nil, errors.New(errors.ErrNotReady).
			Category(errors.CategoryState).
			Context("reason", "frames not extracted").
			Build()
	}
	if video.ActiveModelID == nil {
		return nil, errors.New(errors.ErrNotReady).
			Category(errors.CategoryState).
			Context("reason", "no active model assigned").
			Build()
	}

	frames, err := p.ds.GetExtractedFrames(video.ID)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, errors.New(errors.ErrNotReady).
			Category(errors.CategoryState).
			Context("reason", "no extracted frames on record").
			Build()
	}

	frameDir := p.store.FramePath(video.UUID)

	// confidences[label][position], positions in frame-number order.
	confidences := make([][]float64, len(spec.Labels))
	for i := range confidences {
		confidences[i] = make([]float64, len(frames))
	}
	for pos, frame := range frames {
		framePath := filepath.Join(frameDir, frame.RelativePath)
		vector, cerr := engine.Classify(ctx, framePath)
		if cerr != nil {
			return nil, errors.New(fmt.Errorf("classifying frame %d: %w", frame.FrameNumber, cerr)).
				Category(errors.CategoryInference).
				VideoContext(video.UUID, len(frames)).
				Timing("prediction", time.Since(start)).
				Build()
		}
		for i := range spec.Labels {
			if i < len(vector) {
				confidences[i][pos] = float64(vector[i])
			}
		}
	}

	window := smoothingWindow(p.settings.SmoothWindowSec, video.FPS)
	runs := make(map[string][]Run, len(spec.Labels))
	for i, label := range spec.Labels {
		smoothed := Smooth(confidences[i], window)
		labelRuns := Runs(Binarize(smoothed, p.settings.BinarizeThreshold))
		// Translate positions back into frame numbers; extraction gaps make
		// the two spaces diverge.
		for j := range labelRuns {
			labelRuns[j] = Run{
				Start: frames[labelRuns[j].Start].FrameNumber,
				End:   frames[labelRuns[j].End-1].FrameNumber + 1,
			}
		}
		runs[label] = labelRuns
	}

	meta, err := p.ds.GetOrCreatePredictionMeta(video.ID, *video.ActiveModelID)
	if err != nil {
		return nil, err
	}
	rawPayload, err := json.Marshal(confidences)
	if err != nil {
		return nil, fmt.Errorf("encoding confidences: %w", err)
	}
	if err := p.ds.UpdatePredictionConfidences(meta.ID, string(rawPayload)); err != nil {
		return nil, err
	}

	sequences, err := encodeSequences(runs)
	if err != nil {
		return nil, err
	}
	if err := p.ds.UpdateVideoColumns(video.ID, map[string]any{"sequences": sequences}); err != nil {
		return nil, err
	}
	if err := p.ds.MarkInitialPrediction(video.ID, true); err != nil {
		return nil, err
	}

	p.logger.Info("prediction complete",
		"video", video.UUID,
		"frames", len(frames),
		"labels", len(spec.Labels),
		"window", window,
		"duration", time.Since(start))

	return &Result{Meta: meta, Labels: spec.Labels, Runs: runs}, nil
}

// smoothingWindow converts the configured smoothing duration into an odd
// frame count, minimum 1.
func smoothingWindow(seconds, fps float64) int {
	window := int(seconds * fps)
	if window < 1 {
		return 1
	}
	if window%2 == 0 {
		window++
	}
	return window
}

// encodeSequences renders the runs map as the video row's sequences JSON:
// label name to list of [start, end) pairs.
func encodeSequences(runs map[string][]Run) (string, error) {
	payload := make(map[string][][2]int, len(runs))
	for label, labelRuns := range runs {
		pairs := make([][2]int, 0, len(labelRuns))
		for _, r := range labelRuns {
			pairs = append(pairs, [2]int{r.Start, r.End})
		}
		payload[label] = pairs
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding sequences: %w", err)
	}
	return string(data), nil
}

// MaterializeSegments persists the predicted runs as label video segments.
// Invalid runs are skipped with a warning rather than failing the batch.
// Duplicate segments from a re-run are absorbed by the identity index. The
// lvs_created flag flips last, also when the prediction yielded no runs at
// all, so downstream steps see a completed (if empty) segmentation.
func (p *Predictor) MaterializeSegments(video *datastore.Video, result *Result) (int, error) {
	var segments []datastore.LabelVideoSegment
	skipped := 0

	for _, labelName := range result.Labels {
		labelRuns := result.Runs[labelName]
		if len(labelRuns) == 0 {
			continue
		}
		label, err := p.ds.GetOrCreateLabel(labelName)
		if err != nil {
			return 0, err
		}
		for _, r := range labelRuns {
			if r.Start < 0 || r.Start >= r.End {
				p.logger.Warn("skipping invalid predicted run",
					"video", video.UUID, "label", labelName,
					"start", r.Start, "end", r.End)
				skipped++
				continue
			}
			segments = append(segments, datastore.LabelVideoSegment{
				VideoID:          video.ID,
				LabelID:          label.ID,
				StartFrameNumber: r.Start,
				EndFrameNumber:   r.End,
				PredictionMetaID: &result.Meta.ID,
			})
		}
	}

	created, err := p.ds.CreateSegments(segments)
	if err != nil {
		return 0, err
	}
	if err := p.ds.EnsureSegmentStates(video.ID); err != nil {
		return created, err
	}
	if err := p.ds.MarkLvsCreated(video.ID, true); err != nil {
		return created, err
	}

	p.logger.Info("materialized segments",
		"video", video.UUID, "created", created, "skipped", skipped)
	return created, nil
}
