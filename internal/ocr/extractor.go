// extractor.go: frame sampling, per-region majority vote and the merge into
// the sensitive-metadata record.
package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/datastore"
	"github.com/endoreg/endoscrub/internal/errors"
	"github.com/endoreg/endoscrub/internal/filestore"
	"github.com/endoreg/endoscrub/internal/logging"
)

// Well-known region names mapped onto SensitiveMeta fields.
const (
	RegionFirstName       = "patient_first_name"
	RegionLastName        = "patient_last_name"
	RegionDOB             = "patient_dob"
	RegionGender          = "patient_gender"
	RegionExaminationDate = "examination_date"
	RegionExaminer        = "examiner"
)

// Extractor runs OCR over sampled frames and maintains SensitiveMeta.
type Extractor struct {
	ds       datastore.Interface
	store    *filestore.Store
	engine   Engine
	settings *conf.OCRSettings
	salt     string
	logger   *slog.Logger
}

// New creates a metadata extractor.
func New(ds datastore.Interface, store *filestore.Store, engine Engine, settings *conf.OCRSettings, hashSalt string) *Extractor {
	return &Extractor{
		ds:       ds,
		store:    store,
		engine:   engine,
		settings: settings,
		salt:     hashSalt,
		logger:   logging.ForService("ocr"),
	}
}

// ExtractText samples an evenly spaced subset of extracted frames, runs OCR
// per region per frame and majority-votes the non-empty results. Returns
// nil (not an error) when no region produced any text. A single frame's
// OCR failure is logged and skipped. A video whose text_meta_extracted flag
// is already set is not re-sampled unless overwrite is requested.
func (e *Extractor) ExtractText(ctx context.Context, video *datastore.Video, overwrite bool) (map[string]string, error) {
	state, err := e.ds.GetOrCreateState(video.ID)
	if err != nil {
		return nil, err
	}
	if state.TextMetaExtracted && !overwrite {
		e.logger.Debug("text metadata already extracted, skipping", "video", video.UUID)
		return nil, nil
	}
	if !state.FramesExtracted {
		return nil, errors.New(errors.ErrNotReady).
			Category(errors.CategoryState).
			Context("reason", "frames not extracted").
			Build()
	}
	if video.Processor == nil || len(video.Processor.TextROIs) == 0 {
		return nil, errors.New(errors.ErrNotReady).
			Category(errors.CategoryState).
			Context("reason", "no processor text regions configured").
			Build()
	}

	extracted, err := e.ds.GetExtractedFrames(video.ID)
	if err != nil {
		return nil, err
	}
	if len(extracted) == 0 {
		return nil, errors.New(errors.ErrNotReady).
			Category(errors.CategoryState).
			Context("reason", "no extracted frames on record").
			Build()
	}

	regions := make([]Region, 0, len(video.Processor.TextROIs))
	for _, roi := range video.Processor.TextROIs {
		regions = append(regions, Region{
			Name:   roi.Name,
			X:      roi.X,
			Y:      roi.Y,
			Width:  roi.Width,
			Height: roi.Height,
		})
	}

	sample := sampleFrames(extracted, e.settings.FrameFraction, e.settings.FrameCap)
	frameDir := e.store.FramePath(video.UUID)

	votes := make(map[string]map[string]int, len(regions))
	for _, frame := range sample {
		framePath := filepath.Join(frameDir, frame.RelativePath)
		texts, err := e.engine.Recognize(ctx, framePath, regions)
		if err != nil {
			e.logger.Warn("ocr failed on frame, continuing",
				"video", video.UUID, "frame", frame.FrameNumber, "error", err)
			continue
		}
		for name, text := range texts {
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			if votes[name] == nil {
				votes[name] = map[string]int{}
			}
			votes[name][text]++
		}
	}

	result := make(map[string]string, len(regions))
	for name, counts := range votes {
		best, bestCount := "", 0
		for text, count := range counts {
			if count > bestCount || (count == bestCount && text < best) {
				best, bestCount = text, count
			}
		}
		result[name] = best
	}
	if len(result) == 0 {
		return nil, nil
	}
	return result, nil
}

// sampleFrames picks min(cap, max(1, fraction*total)) frames evenly spaced
// across the video.
func sampleFrames(frames []datastore.Frame, fraction float64, capLimit int) []datastore.Frame {
	total := len(frames)
	n := int(fraction * float64(total))
	if n < 1 {
		n = 1
	}
	if n > capLimit {
		n = capLimit
	}
	if n >= total {
		return frames
	}

	sample := make([]datastore.Frame, 0, n)
	step := float64(total) / float64(n)
	for i := 0; i < n; i++ {
		sample = append(sample, frames[int(float64(i)*step)])
	}
	return sample
}

// UpdateSensitiveMeta merges the OCR result into the video's sensitive
// metadata: non-empty values overwrite placeholders and defaults, confirmed
// values only when overwrite is set. A value equal to its region's own name
// is discarded as an upstream placeholder. The text_meta_extracted flag is
// set on completion even when nothing was found, so extraction is not
// re-attempted forever; only an explicit overwrite request re-triggers it.
func (e *Extractor) UpdateSensitiveMeta(ctx context.Context, video *datastore.Video, texts map[string]string, overwrite bool) error {
	meta := video.SensitiveMeta
	created := false
	if meta == nil {
		meta = &datastore.SensitiveMeta{}
		created = true
	}
	if video.CenterID != nil {
		meta.CenterID = video.CenterID
	}

	for name, raw := range texts {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		// A region echoing its own name back is placeholder noise.
		if strings.EqualFold(value, name) {
			e.logger.Warn("discarding placeholder ocr value", "region", name)
			continue
		}

		switch name {
		case RegionFirstName:
			mergeString(&meta.FirstName, value, overwrite)
		case RegionLastName:
			mergeString(&meta.LastName, value, overwrite)
		case RegionGender:
			mergeString(&meta.Gender, value, overwrite)
		case RegionExaminer:
			mergeString(&meta.Examiners, value, overwrite)
		case RegionDOB:
			if d := ParseDate(value); d != nil && (meta.DOB == nil || overwrite) {
				meta.DOB = d
			}
		case RegionExaminationDate:
			if d := ParseDate(value); d != nil && (meta.ExaminationDate == nil || overwrite) {
				meta.ExaminationDate = d
			}
		default:
			e.logger.Debug("ignoring unmapped ocr region", "region", name)
		}
	}

	if err := e.ds.SaveSensitiveMeta(meta, e.salt); err != nil {
		return fmt.Errorf("saving sensitive meta for video %s: %w", video.UUID, err)
	}
	if created {
		if err := e.ds.AttachSensitiveMeta(video.ID, meta.ID); err != nil {
			return err
		}
		video.SensitiveMetaID = &meta.ID
	}
	video.SensitiveMeta = meta

	return e.ds.MarkTextMetaExtracted(video.ID, true)
}

func mergeString(dst *string, value string, overwrite bool) {
	if *dst == "" || overwrite {
		*dst = value
	}
}
