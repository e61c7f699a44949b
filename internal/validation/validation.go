// Package validation gates the anonymization step on human review: sensitive
// metadata must be signed off and every predicted "outside" segment must be
// validated before the raw video may be destroyed.
package validation

import (
	"fmt"
	"log/slog"

	"github.com/endoreg/endoscrub/internal/datastore"
	"github.com/endoreg/endoscrub/internal/errors"
	"github.com/endoreg/endoscrub/internal/logging"
)

// Checker answers whether a video is cleared for anonymization and applies
// the human review mutations.
type Checker struct {
	ds     datastore.Interface
	logger *slog.Logger
}

// New creates a checker.
func New(ds datastore.Interface) *Checker {
	return &Checker{ds: ds, logger: logging.ForService("validation")}
}

// Readiness is the itemized result of a gate check. Ready is true only when
// every requirement holds.
type Readiness struct {
	HasRaw           bool
	FramesExtracted  bool
	MetaPresent      bool
	MetaVerified     bool
	OutsideValidated bool
	UnvalidatedCount int64
}

// Ready reports whether all gate requirements are satisfied.
func (r Readiness) Ready() bool {
	return r.HasRaw && r.FramesExtracted && r.MetaPresent && r.MetaVerified && r.OutsideValidated
}

// Explain returns the first unsatisfied requirement as text, or "" when
// ready. Meant for operator-facing status output.
func (r Readiness) Explain() string {
	switch {
	case !r.HasRaw:
		return "raw video file is gone"
	case !r.FramesExtracted:
		return "frames are not extracted"
	case !r.MetaPresent:
		return "no sensitive metadata on record"
	case !r.MetaVerified:
		return "sensitive metadata is not verified"
	case !r.OutsideValidated:
		return fmt.Sprintf("%d outside segments await validation", r.UnvalidatedCount)
	default:
		return ""
	}
}

// CanAnonymize evaluates the anonymization gate for a video. A missing
// "outside" label in the taxonomy passes that check with a warning; the
// label only exists once a prediction or a human created outside segments.
func (c *Checker) CanAnonymize(video *datastore.Video) (*Readiness, error) {
	state, err := c.ds.GetOrCreateState(video.ID)
	if err != nil {
		return nil, err
	}

	r := &Readiness{
		HasRaw:          video.HasRaw(),
		FramesExtracted: state.FramesExtracted,
	}

	if video.SensitiveMeta != nil {
		r.MetaPresent = true
		r.MetaVerified = video.SensitiveMeta.IsVerified()
	}

	outside, err := c.ds.GetLabelByName(datastore.OutsideLabelName)
	if err != nil {
		return nil, err
	}
	if outside == nil {
		c.logger.Warn("outside label missing from taxonomy, treating as validated",
			"video", video.UUID)
		r.OutsideValidated = true
		return r, nil
	}

	count, err := c.ds.CountUnvalidatedSegments(video.ID, outside.ID)
	if err != nil {
		return nil, err
	}
	r.UnvalidatedCount = count
	r.OutsideValidated = count == 0
	return r, nil
}

// ValidateSegment records human sign-off on one segment. When it was the
// last unreviewed segment of its video, the video is marked fully
// annotated.
func (c *Checker) ValidateSegment(segmentID uint) error {
	segment, err := c.ds.GetSegment(segmentID)
	if err != nil {
		return err
	}
	if err := c.ds.ValidateSegment(segmentID); err != nil {
		return err
	}
	c.logger.Info("segment validated", "segment", segmentID, "video_id", segment.VideoID)

	remaining, err := c.ds.CountUnvalidatedSegmentsAll(segment.VideoID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return c.ds.MarkLvsAnnotated(segment.VideoID, true)
	}
	return nil
}

// VerifySensitiveMeta records human sign-off on the recovered metadata.
// Nil flags leave the corresponding sign-off untouched.
func (c *Checker) VerifySensitiveMeta(video *datastore.Video, dobVerified, namesVerified *bool) error {
	if video.SensitiveMetaID == nil {
		return errors.NotFoundError("video %s has no sensitive metadata to verify", video.UUID)
	}
	if err := c.ds.VerifySensitiveMeta(*video.SensitiveMetaID, dobVerified, namesVerified); err != nil {
		return err
	}
	c.logger.Info("sensitive metadata verified",
		"video", video.UUID,
		"dob", boolArg(dobVerified), "names", boolArg(namesVerified))
	return nil
}

// ApproveAnonymization records human sign-off on the processed video. It
// refuses until an anonymized output is actually on record.
func (c *Checker) ApproveAnonymization(video *datastore.Video) error {
	state, err := c.ds.GetOrCreateState(video.ID)
	if err != nil {
		return err
	}
	if !state.Anonymized || !video.IsProcessed() {
		return errors.Newf("video %s has no anonymized output to approve", video.UUID).
			Category(errors.CategoryState).
			Build()
	}
	if err := c.ds.MarkAnonymizationValidated(video.ID, true); err != nil {
		return err
	}
	c.logger.Info("anonymized output approved", "video", video.UUID)
	return nil
}

// AddManualSegment creates a human-drawn segment and its review state.
func (c *Checker) AddManualSegment(video *datastore.Video, labelName string, startFrame, endFrame int) (*datastore.LabelVideoSegment, error) {
	label, err := c.ds.GetOrCreateLabel(labelName)
	if err != nil {
		return nil, err
	}
	segment, err := c.ds.CreateManualSegment(video.ID, label.ID, startFrame, endFrame)
	if err != nil {
		return nil, err
	}
	if err := c.ds.EnsureSegmentStates(video.ID); err != nil {
		return nil, err
	}
	// A fresh segment reopens the review.
	if err := c.ds.MarkLvsAnnotated(video.ID, false); err != nil {
		return nil, err
	}
	c.logger.Info("manual segment created",
		"video", video.UUID, "label", labelName,
		"start", startFrame, "end", endFrame)
	return segment, nil
}

func boolArg(v *bool) any {
	if v == nil {
		return "unchanged"
	}
	return *v
}
