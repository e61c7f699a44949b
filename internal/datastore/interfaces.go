// interfaces.go: this code defines the interface for the database operations
package datastore

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/errors"
)

// Interface abstracts the underlying database implementation and defines
// the operations the pipeline components need.
type Interface interface {
	Open() error
	Close() error

	// Videos
	CreateVideo(video *Video) error
	GetVideo(id uint) (*Video, error)
	GetVideoByUUID(uuid string) (*Video, error)
	RefetchVideo(id uint) (*Video, error)
	FindVideoByRawHash(hash string) (*Video, error)
	ListVideos() ([]Video, error)
	FindVideoByProcessedHash(hash string) (*Video, error)
	UpdateVideoColumns(videoID uint, columns map[string]any) error
	DeleteVideoRow(videoID uint) error

	// State machine
	GetOrCreateState(videoID uint) (*VideoState, error)
	MarkVideoMetaExtracted(videoID uint, v bool) error
	MarkFramesExtracted(videoID uint, v bool) error
	MarkTextMetaExtracted(videoID uint, v bool) error
	MarkInitialPrediction(videoID uint, v bool) error
	MarkLvsCreated(videoID uint, v bool) error
	MarkLvsAnnotated(videoID uint, v bool) error
	MarkAnonymized(videoID uint, v bool) error
	MarkAnonymizationValidated(videoID uint, v bool) error

	// Frames
	CreateFrames(frames []Frame) error
	GetFrames(videoID uint) ([]Frame, error)
	GetExtractedFrames(videoID uint) ([]Frame, error)
	SetFramesExtractedFlag(videoID uint, frameNumbers []int, extracted bool) error
	SetAllFramesExtractedFlag(videoID uint, extracted bool) error

	// Labels and segments
	GetLabelByName(name string) (*Label, error)
	GetOrCreateLabel(name string) (*Label, error)
	CreateSegments(segments []LabelVideoSegment) (int, error)
	EnsureSegmentStates(videoID uint) error
	GetSegments(videoID uint) ([]LabelVideoSegment, error)
	GetSegmentsByLabel(videoID, labelID uint) ([]LabelVideoSegment, error)
	CountUnvalidatedSegments(videoID, labelID uint) (int64, error)
	CountUnvalidatedSegmentsAll(videoID uint) (int64, error)
	GetSegment(segmentID uint) (*LabelVideoSegment, error)
	ValidateSegment(segmentID uint) error
	CreateManualSegment(videoID, labelID uint, startFrame, endFrame int) (*LabelVideoSegment, error)

	// Reference entities
	GetOrCreateCenter(name string) (*Center, error)
	GetOrCreateProcessor(name string) (*Processor, error)
	FindAiModel(name, version string) (*AiModel, error)
	SaveAiModel(model *AiModel) error

	// Prediction metadata
	GetOrCreatePredictionMeta(videoID, modelID uint) (*VideoPredictionMeta, error)
	UpdatePredictionConfidences(metaID uint, confidencesJSON string) error
	GetAiModel(id uint) (*AiModel, error)

	// Sensitive metadata
	SaveSensitiveMeta(meta *SensitiveMeta, salt string) error
	GetSensitiveMeta(id uint) (*SensitiveMeta, error)
	AttachSensitiveMeta(videoID, metaID uint) error
	DeleteSensitiveMeta(videoID uint) error
	VerifySensitiveMeta(metaID uint, dobVerified, namesVerified *bool) error

	// Transaction runs fn inside one database transaction. The callback
	// receives a store bound to the transaction.
	Transaction(fn func(tx *DataStore) error) error
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB
}

// New creates a new datastore instance based on the provided settings.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Database.SQLite.Enabled:
		return &SQLiteStore{Settings: settings}
	case settings.Database.MySQL.Enabled:
		return &MySQLStore{Settings: settings}
	default:
		return nil
	}
}

// Transaction runs fn inside one database transaction.
func (ds *DataStore) Transaction(fn func(tx *DataStore) error) error {
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		return fn(&DataStore{DB: tx})
	})
}

// CreateVideo inserts a new video row. A raw-hash conflict is resolved by
// re-fetching the existing row and returning ErrDuplicateHash with the
// existing video attached in context, so concurrent imports of the same
// file converge on one row.
func (ds *DataStore) CreateVideo(video *Video) error {
	if err := ds.DB.Create(video).Error; err != nil {
		if existing, ferr := ds.FindVideoByRawHash(video.RawHash); ferr == nil && existing != nil {
			*video = *existing
			return errors.New(errors.ErrDuplicateHash).
				Category(errors.CategoryConflict).
				Context("raw_hash", video.RawHash).
				Context("existing_video_id", existing.ID).
				Build()
		}
		return fmt.Errorf("creating video: %w", err)
	}
	return nil
}

// GetVideo retrieves a video with its associations preloaded.
func (ds *DataStore) GetVideo(id uint) (*Video, error) {
	var video Video
	err := ds.DB.
		Preload("State").
		Preload("Processor").
		Preload("Processor.TextROIs").
		Preload("Center").
		Preload("SensitiveMeta").
		Preload("SensitiveMeta.State").
		Preload("ActiveModel").
		First(&video, id).Error
	if err != nil {
		return nil, fmt.Errorf("getting video %d: %w", id, err)
	}
	return &video, nil
}

// GetVideoByUUID retrieves a video by its unique identifier.
func (ds *DataStore) GetVideoByUUID(uuid string) (*Video, error) {
	var video Video
	err := ds.DB.Where("uuid = ?", uuid).First(&video).Error
	if err != nil {
		return nil, fmt.Errorf("getting video %s: %w", uuid, err)
	}
	return ds.GetVideo(video.ID)
}

// RefetchVideo reloads a video fresh from the database. Post-commit cleanup
// must never trust an in-memory instance across the commit boundary.
func (ds *DataStore) RefetchVideo(id uint) (*Video, error) {
	return ds.GetVideo(id)
}

// ListVideos returns all video rows with their state preloaded, oldest
// first.
func (ds *DataStore) ListVideos() ([]Video, error) {
	var videos []Video
	err := ds.DB.Preload("State").Order("id ASC").Find(&videos).Error
	if err != nil {
		return nil, fmt.Errorf("listing videos: %w", err)
	}
	return videos, nil
}

// FindVideoByRawHash returns the video claiming the given raw content hash,
// or nil when none exists.
func (ds *DataStore) FindVideoByRawHash(hash string) (*Video, error) {
	var video Video
	err := ds.DB.Where("raw_hash = ?", hash).First(&video).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("looking up raw hash: %w", err)
	}
	return &video, nil
}

// FindVideoByProcessedHash returns the video claiming the given processed
// content hash, or nil when none exists.
func (ds *DataStore) FindVideoByProcessedHash(hash string) (*Video, error) {
	var video Video
	err := ds.DB.Where("processed_hash = ?", hash).First(&video).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("looking up processed hash: %w", err)
	}
	return &video, nil
}

// UpdateVideoColumns performs a short targeted update of the given columns,
// avoiding full-object round-trips.
func (ds *DataStore) UpdateVideoColumns(videoID uint, columns map[string]any) error {
	if err := ds.DB.Model(&Video{}).Where("id = ?", videoID).Updates(columns).Error; err != nil {
		return fmt.Errorf("updating video %d: %w", videoID, err)
	}
	return nil
}

// DeleteVideoRow removes the video row; Frame/State/Segment children cascade.
func (ds *DataStore) DeleteVideoRow(videoID uint) error {
	if err := ds.DB.Select(clause.Associations).Delete(&Video{ID: videoID}).Error; err != nil {
		return fmt.Errorf("deleting video %d: %w", videoID, err)
	}
	return nil
}

// CreateFrames batch-inserts frame rows.
func (ds *DataStore) CreateFrames(frames []Frame) error {
	if len(frames) == 0 {
		return nil
	}
	const batchSize = 500
	if err := ds.DB.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(frames, batchSize).Error; err != nil {
		return fmt.Errorf("creating %d frames: %w", len(frames), err)
	}
	return nil
}

// GetFrames returns all frame rows of a video ordered by frame number.
func (ds *DataStore) GetFrames(videoID uint) ([]Frame, error) {
	var frames []Frame
	err := ds.DB.Where("video_id = ?", videoID).Order("frame_number ASC").Find(&frames).Error
	if err != nil {
		return nil, fmt.Errorf("getting frames for video %d: %w", videoID, err)
	}
	return frames, nil
}

// GetExtractedFrames returns the frame rows currently flagged as extracted.
func (ds *DataStore) GetExtractedFrames(videoID uint) ([]Frame, error) {
	var frames []Frame
	err := ds.DB.Where("video_id = ? AND is_extracted = ?", videoID, true).
		Order("frame_number ASC").Find(&frames).Error
	if err != nil {
		return nil, fmt.Errorf("getting extracted frames for video %d: %w", videoID, err)
	}
	return frames, nil
}

// SetFramesExtractedFlag flips is_extracted for the given frame numbers via
// a single targeted update.
func (ds *DataStore) SetFramesExtractedFlag(videoID uint, frameNumbers []int, extracted bool) error {
	if len(frameNumbers) == 0 {
		return nil
	}
	err := ds.DB.Model(&Frame{}).
		Where("video_id = ? AND frame_number IN ?", videoID, frameNumbers).
		Update("is_extracted", extracted).Error
	if err != nil {
		return fmt.Errorf("updating frame extraction flags for video %d: %w", videoID, err)
	}
	return nil
}

// SetAllFramesExtractedFlag flips is_extracted for every frame of a video.
func (ds *DataStore) SetAllFramesExtractedFlag(videoID uint, extracted bool) error {
	err := ds.DB.Model(&Frame{}).
		Where("video_id = ?", videoID).
		Update("is_extracted", extracted).Error
	if err != nil {
		return fmt.Errorf("updating frame extraction flags for video %d: %w", videoID, err)
	}
	return nil
}

// GetAiModel retrieves one model row.
func (ds *DataStore) GetAiModel(id uint) (*AiModel, error) {
	var model AiModel
	if err := ds.DB.First(&model, id).Error; err != nil {
		return nil, fmt.Errorf("getting ai model %d: %w", id, err)
	}
	return &model, nil
}

// GetOrCreatePredictionMeta returns the prediction-meta row for the
// (video, model) pair, creating it when absent. Idempotent: repeated
// predictions with the same model version reuse one row.
func (ds *DataStore) GetOrCreatePredictionMeta(videoID, modelID uint) (*VideoPredictionMeta, error) {
	var meta VideoPredictionMeta
	err := ds.DB.Where(VideoPredictionMeta{VideoID: videoID, AiModelID: modelID}).
		FirstOrCreate(&meta).Error
	if err != nil {
		return nil, fmt.Errorf("get-or-create prediction meta (video %d, model %d): %w", videoID, modelID, err)
	}
	return &meta, nil
}

// UpdatePredictionConfidences stores the raw per-frame confidence payload of
// one prediction run. Re-running the same model version overwrites it.
func (ds *DataStore) UpdatePredictionConfidences(metaID uint, confidencesJSON string) error {
	err := ds.DB.Model(&VideoPredictionMeta{}).
		Where("id = ?", metaID).
		Update("raw_confidences", confidencesJSON).Error
	if err != nil {
		return fmt.Errorf("updating prediction meta %d: %w", metaID, err)
	}
	return nil
}

// performAutoMigration automates database migrations with error handling.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string) error {
	if err := db.AutoMigrate(
		&Center{},
		&Processor{},
		&TextROI{},
		&AiModel{},
		&Video{},
		&Frame{},
		&VideoState{},
		&SensitiveMeta{},
		&SensitiveMetaState{},
		&PseudoPatient{},
		&PseudoExamination{},
		&Label{},
		&LabelVideoSegment{},
		&LabelVideoSegmentState{},
		&VideoPredictionMeta{},
	); err != nil {
		return fmt.Errorf("failed to auto-migrate %s database: %w", dbType, err)
	}

	if debug {
		log.Printf("%s database connection initialized: %s", dbType, connectionInfo)
	}

	return nil
}

// createGormLogger configures and returns a new GORM logger instance.
func createGormLogger() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      logger.Warn,
			Colorful:      true,
		},
	)
}
