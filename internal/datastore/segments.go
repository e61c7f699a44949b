// segments.go: label taxonomy and label video segment persistence.
package datastore

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/endoreg/endoscrub/internal/errors"
)

// GetLabelByName looks up a label case-insensitively. Returns nil, nil when
// the taxonomy has no such label.
func (ds *DataStore) GetLabelByName(name string) (*Label, error) {
	var label Label
	err := ds.DB.Where("LOWER(name) = LOWER(?)", name).First(&label).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("looking up label %q: %w", name, err)
	}
	return &label, nil
}

// GetOrCreateLabel returns the label with the given name, creating it when
// absent.
func (ds *DataStore) GetOrCreateLabel(name string) (*Label, error) {
	var label Label
	err := ds.DB.Where("LOWER(name) = LOWER(?)", name).
		FirstOrCreate(&label, Label{Name: name}).Error
	if err != nil {
		return nil, fmt.Errorf("get-or-create label %q: %w", name, err)
	}
	return &label, nil
}

// CreateSegments bulk-inserts segments with ignore-conflicts semantics, so
// duplicate inserts from concurrent predictors are silently deduplicated.
// Returns the number of rows actually inserted.
func (ds *DataStore) CreateSegments(segments []LabelVideoSegment) (int, error) {
	if len(segments) == 0 {
		return 0, nil
	}
	const batchSize = 500
	result := ds.DB.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(segments, batchSize)
	if result.Error != nil {
		return 0, fmt.Errorf("creating %d segments: %w", len(segments), result.Error)
	}
	return int(result.RowsAffected), nil
}

// EnsureSegmentStates get-or-creates a state row for every segment of a
// video that does not have one yet.
func (ds *DataStore) EnsureSegmentStates(videoID uint) error {
	var segments []LabelVideoSegment
	err := ds.DB.Where("video_id = ?", videoID).Find(&segments).Error
	if err != nil {
		return fmt.Errorf("listing segments for video %d: %w", videoID, err)
	}
	for i := range segments {
		var state LabelVideoSegmentState
		err := ds.DB.Where(LabelVideoSegmentState{SegmentID: segments[i].ID}).
			FirstOrCreate(&state).Error
		if err != nil {
			return fmt.Errorf("get-or-create state for segment %d: %w", segments[i].ID, err)
		}
	}
	return nil
}

// GetSegments returns all segments of a video with labels and states
// preloaded.
func (ds *DataStore) GetSegments(videoID uint) ([]LabelVideoSegment, error) {
	var segments []LabelVideoSegment
	err := ds.DB.Preload("State").Preload("Label").
		Where("video_id = ?", videoID).
		Order("start_frame_number ASC").
		Find(&segments).Error
	if err != nil {
		return nil, fmt.Errorf("getting segments for video %d: %w", videoID, err)
	}
	return segments, nil
}

// GetSegmentsByLabel returns the segments of a video carrying one label.
func (ds *DataStore) GetSegmentsByLabel(videoID, labelID uint) ([]LabelVideoSegment, error) {
	var segments []LabelVideoSegment
	err := ds.DB.Preload("State").
		Where("video_id = ? AND label_id = ?", videoID, labelID).
		Order("start_frame_number ASC").
		Find(&segments).Error
	if err != nil {
		return nil, fmt.Errorf("getting %d-labeled segments for video %d: %w", labelID, videoID, err)
	}
	return segments, nil
}

// CountUnvalidatedSegments counts segments of a label that lack human
// validation. Segments without any state row count as unvalidated.
func (ds *DataStore) CountUnvalidatedSegments(videoID, labelID uint) (int64, error) {
	var count int64
	err := ds.DB.Model(&LabelVideoSegment{}).
		Joins("LEFT JOIN label_video_segment_states s ON s.segment_id = label_video_segments.id").
		Where("label_video_segments.video_id = ? AND label_video_segments.label_id = ?", videoID, labelID).
		Where("s.is_validated IS NULL OR s.is_validated = ?", false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("counting unvalidated segments for video %d: %w", videoID, err)
	}
	return count, nil
}

// CountUnvalidatedSegmentsAll counts unvalidated segments of a video across
// every label.
func (ds *DataStore) CountUnvalidatedSegmentsAll(videoID uint) (int64, error) {
	var count int64
	err := ds.DB.Model(&LabelVideoSegment{}).
		Joins("LEFT JOIN label_video_segment_states s ON s.segment_id = label_video_segments.id").
		Where("label_video_segments.video_id = ?", videoID).
		Where("s.is_validated IS NULL OR s.is_validated = ?", false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("counting unvalidated segments for video %d: %w", videoID, err)
	}
	return count, nil
}

// GetSegment returns one segment with its label and state.
func (ds *DataStore) GetSegment(segmentID uint) (*LabelVideoSegment, error) {
	var segment LabelVideoSegment
	err := ds.DB.Preload("State").Preload("Label").First(&segment, segmentID).Error
	if err != nil {
		return nil, fmt.Errorf("getting segment %d: %w", segmentID, err)
	}
	return &segment, nil
}

// ValidateSegment marks one segment as human-validated.
func (ds *DataStore) ValidateSegment(segmentID uint) error {
	var state LabelVideoSegmentState
	err := ds.DB.Where(LabelVideoSegmentState{SegmentID: segmentID}).
		FirstOrCreate(&state).Error
	if err != nil {
		return fmt.Errorf("get-or-create state for segment %d: %w", segmentID, err)
	}
	err = ds.DB.Model(&LabelVideoSegmentState{}).
		Where("segment_id = ?", segmentID).
		Update("is_validated", true).Error
	if err != nil {
		return fmt.Errorf("validating segment %d: %w", segmentID, err)
	}
	return nil
}

// CreateManualSegment inserts one human-created segment (nil prediction
// meta) with its state row.
func (ds *DataStore) CreateManualSegment(videoID, labelID uint, startFrame, endFrame int) (*LabelVideoSegment, error) {
	if startFrame < 0 || startFrame >= endFrame {
		return nil, errors.Newf("invalid segment bounds [%d, %d)", startFrame, endFrame).
			Category(errors.CategoryValidation).
			Build()
	}
	segment := LabelVideoSegment{
		VideoID:          videoID,
		LabelID:          labelID,
		StartFrameNumber: startFrame,
		EndFrameNumber:   endFrame,
	}
	if err := ds.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&segment).Error; err != nil {
		return nil, fmt.Errorf("creating manual segment: %w", err)
	}
	var state LabelVideoSegmentState
	err := ds.DB.Where(LabelVideoSegmentState{SegmentID: segment.ID}).FirstOrCreate(&state).Error
	if err != nil {
		return nil, fmt.Errorf("creating segment state: %w", err)
	}
	segment.State = &state
	return &segment, nil
}
