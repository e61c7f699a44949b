// state.go: the per-video state machine record and its mark methods. Every
// pipeline transition goes through these; each persists only the changed
// column inside a short update.
package datastore

import (
	"fmt"
)

// GetOrCreateState lazily creates the state row on first access.
func (ds *DataStore) GetOrCreateState(videoID uint) (*VideoState, error) {
	var state VideoState
	err := ds.DB.Where(VideoState{VideoID: videoID}).FirstOrCreate(&state).Error
	if err != nil {
		return nil, fmt.Errorf("get-or-create state for video %d: %w", videoID, err)
	}
	return &state, nil
}

// setStateFlag persists a single state column for a video, creating the
// state row if it does not exist yet.
func (ds *DataStore) setStateFlag(videoID uint, column string, value bool) error {
	if _, err := ds.GetOrCreateState(videoID); err != nil {
		return err
	}
	err := ds.DB.Model(&VideoState{}).
		Where("video_id = ?", videoID).
		Update(column, value).Error
	if err != nil {
		return fmt.Errorf("setting %s=%v for video %d: %w", column, value, videoID, err)
	}
	return nil
}

// MarkVideoMetaExtracted records that stream metadata has been probed.
func (ds *DataStore) MarkVideoMetaExtracted(videoID uint, v bool) error {
	return ds.setStateFlag(videoID, "video_meta_extracted", v)
}

// MarkFramesExtracted records whether raw frames exist on disk. Cleared by
// DeleteAll and by the post-commit raw-asset cleanup, nowhere else.
func (ds *DataStore) MarkFramesExtracted(videoID uint, v bool) error {
	return ds.setStateFlag(videoID, "frames_extracted", v)
}

// MarkTextMetaExtracted records that OCR metadata extraction has completed,
// whether or not any text was found. This prevents infinite re-attempts.
func (ds *DataStore) MarkTextMetaExtracted(videoID uint, v bool) error {
	return ds.setStateFlag(videoID, "text_meta_extracted", v)
}

// MarkInitialPrediction records that the model has produced confidences.
func (ds *DataStore) MarkInitialPrediction(videoID uint, v bool) error {
	return ds.setStateFlag(videoID, "initial_prediction", v)
}

// MarkLvsCreated records that label video segments have been materialized.
// Set only after segment rows exist; true is also correct in the
// zero-segments case.
func (ds *DataStore) MarkLvsCreated(videoID uint, v bool) error {
	return ds.setStateFlag(videoID, "lvs_created", v)
}

// MarkLvsAnnotated records that every segment of the video has been
// reviewed by a human.
func (ds *DataStore) MarkLvsAnnotated(videoID uint, v bool) error {
	return ds.setStateFlag(videoID, "lvs_annotated", v)
}

// MarkAnonymized records that the processed, de-identified video exists.
func (ds *DataStore) MarkAnonymized(videoID uint, v bool) error {
	return ds.setStateFlag(videoID, "anonymized", v)
}

// MarkAnonymizationValidated records human sign-off on the processed video.
func (ds *DataStore) MarkAnonymizationValidated(videoID uint, v bool) error {
	return ds.setStateFlag(videoID, "anonymization_valid", v)
}
