// model.go this code defines the data model for the application
package datastore

import (
	"time"
)

// Center represents the organizational unit (clinic/department) a video
// belongs to.
type Center struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex;not null"`
}

// Processor represents the capture hardware an endoscopy video was recorded
// with. It carries the endoscope image region and the named text regions
// used for OCR, both in frame pixel coordinates.
type Processor struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex;not null"`

	// Endoscope image region; pixels outside it carry device UI overlay.
	ROIX      int
	ROIY      int
	ROIWidth  int
	ROIHeight int

	TextROIs []TextROI `gorm:"foreignKey:ProcessorID;constraint:OnDelete:CASCADE"`
}

// TextROI is a named pixel region on the device overlay that may contain
// sensitive text (patient name, DOB, examination date).
type TextROI struct {
	ID          uint   `gorm:"primaryKey"`
	ProcessorID uint   `gorm:"index;not null"`
	Name        string `gorm:"not null"` // e.g. "patient_name", "dob", "examination_date"
	X           int
	Y           int
	Width       int
	Height      int
}

// AiModel represents one versioned segment-classification model. Labels
// holds the ordered output label names as a JSON array; the order must match
// the model's output tensor.
type AiModel struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"uniqueIndex:idx_aimodel_name_version;not null"`
	Version     string `gorm:"uniqueIndex:idx_aimodel_name_version;not null"`
	WeightsPath string
	Labels      string `gorm:"type:text"` // JSON array of output label names, in tensor order
	MeanJSON    string // normalization mean per channel, JSON array
	StdJSON     string // normalization std per channel, JSON array
	InputSize   int    // square input edge length in pixels
}

// Video is the aggregate root of the anonymization pipeline.
type Video struct {
	ID            uint    `gorm:"primaryKey"`
	UUID          string  `gorm:"uniqueIndex;not null"`
	RawFile       string  // path to raw video, empty once anonymization deleted it
	ProcessedFile string  // path to anonymized video, empty until produced
	RawHash       string  `gorm:"uniqueIndex;not null"` // sha256 of raw bytes
	ProcessedHash *string `gorm:"uniqueIndex"`          // sha256 of processed bytes, nil until produced

	FPS        float64
	Width      int
	Height     int
	Duration   float64 // seconds
	FrameCount int

	CenterID    *uint
	Center      *Center
	ProcessorID *uint
	Processor   *Processor

	// Model version used for the most recent prediction.
	ActiveModelID *uint
	ActiveModel   *AiModel `gorm:"foreignKey:ActiveModelID"`

	// Raw predicted-intervals payload from the last prediction, JSON.
	Sequences string `gorm:"type:text"`

	SensitiveMetaID *uint
	SensitiveMeta   *SensitiveMeta `gorm:"foreignKey:SensitiveMetaID"`

	State    *VideoState         `gorm:"foreignKey:VideoID;constraint:OnDelete:CASCADE"`
	Frames   []Frame             `gorm:"foreignKey:VideoID;constraint:OnDelete:CASCADE"`
	Segments []LabelVideoSegment `gorm:"foreignKey:VideoID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasRaw reports whether the raw file reference is still set.
func (v *Video) HasRaw() bool {
	return v.RawFile != ""
}

// IsProcessed reports whether the anonymized output exists.
func (v *Video) IsProcessed() bool {
	return v.ProcessedFile != ""
}

// Frame is one extracted frame of a video. Rows are created once per frame
// number and never renumbered; IsExtracted tracks whether the image file
// currently exists on disk, so label references survive file deletion.
type Frame struct {
	ID           uint `gorm:"primaryKey"`
	VideoID      uint `gorm:"uniqueIndex:idx_frames_video_number;not null"`
	FrameNumber  int  `gorm:"uniqueIndex:idx_frames_video_number;not null"`
	IsExtracted  bool `gorm:"index"`
	RelativePath string
}

// VideoState is the per-video status record gating every pipeline step.
// Flags are monotonic in normal operation and cleared only on explicit
// reset or error rollback.
type VideoState struct {
	ID      uint `gorm:"primaryKey"`
	VideoID uint `gorm:"uniqueIndex;not null"`

	VideoMetaExtracted bool
	FramesExtracted    bool
	TextMetaExtracted  bool
	InitialPrediction  bool
	LvsCreated         bool
	LvsAnnotated       bool
	Anonymized         bool
	AnonymizationValid bool

	UpdatedAt time.Time
}

// SensitiveMeta holds the identifying patient/examination data recovered by
// OCR or entered by a human. Its lifetime is tied to the anonymization
// workflow: it is deleted once the owning video is fully anonymized.
type SensitiveMeta struct {
	ID              uint `gorm:"primaryKey"`
	FirstName       string
	LastName        string
	DOB             *time.Time
	Gender          string
	ExaminationDate *time.Time
	Examiners       string

	CenterID *uint
	Center   *Center

	// One-way hashes over name+DOB+center(+exam date) plus a secret salt.
	PatientHash     string `gorm:"index"`
	ExaminationHash string `gorm:"index"`

	PseudoPatientID     *uint
	PseudoPatient       *PseudoPatient
	PseudoExaminationID *uint
	PseudoExamination   *PseudoExamination

	State *SensitiveMetaState `gorm:"foreignKey:SensitiveMetaID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsVerified reports whether both human sign-off flags are set.
func (sm *SensitiveMeta) IsVerified() bool {
	return sm.State != nil && sm.State.DOBVerified && sm.State.NamesVerified
}

// SensitiveMetaState tracks human sign-off on the OCR-recovered data.
type SensitiveMetaState struct {
	ID              uint `gorm:"primaryKey"`
	SensitiveMetaID uint `gorm:"uniqueIndex;not null"`
	DOBVerified     bool
	NamesVerified   bool
	UpdatedAt       time.Time
}

// PseudoPatient is a de-identified stand-in keyed by patient hash, so
// downstream systems can reference "a patient" without real identity.
type PseudoPatient struct {
	ID          uint   `gorm:"primaryKey"`
	PatientHash string `gorm:"uniqueIndex;not null"`
	CreatedAt   time.Time
}

// PseudoExamination is a de-identified stand-in keyed by examination hash.
type PseudoExamination struct {
	ID              uint   `gorm:"primaryKey"`
	ExaminationHash string `gorm:"uniqueIndex;not null"`
	CreatedAt       time.Time
}

// Label is one entry of the segment label taxonomy. "outside" is the
// well-known maximally sensitive label.
type Label struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex;not null"`
}

// OutsideLabelName is the well-known name of the maximally sensitive label,
// matched case-insensitively.
const OutsideLabelName = "outside"

// LabelVideoSegment is a labeled frame interval of one video. A nil
// PredictionMetaID means the segment was created manually. Overlapping
// segments of different labels are allowed; the unique index only dedupes
// identical segments from concurrent predictors.
type LabelVideoSegment struct {
	ID               uint `gorm:"primaryKey"`
	VideoID          uint `gorm:"uniqueIndex:idx_segments_identity;not null"`
	LabelID          uint `gorm:"uniqueIndex:idx_segments_identity;not null"`
	StartFrameNumber int  `gorm:"uniqueIndex:idx_segments_identity;check:chk_segment_bounds,start_frame_number < end_frame_number"`
	EndFrameNumber   int  `gorm:"uniqueIndex:idx_segments_identity"`

	Label *Label `gorm:"foreignKey:LabelID"`

	PredictionMetaID *uint
	PredictionMeta   *VideoPredictionMeta `gorm:"foreignKey:PredictionMetaID"`

	State *LabelVideoSegmentState `gorm:"foreignKey:SegmentID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
}

// LabelVideoSegmentState tracks human validation of one segment.
type LabelVideoSegmentState struct {
	ID          uint `gorm:"primaryKey"`
	SegmentID   uint `gorm:"uniqueIndex;not null"`
	IsValidated bool
	UpdatedAt   time.Time
}

// VideoPredictionMeta links a video to the model version used for one
// prediction run; one row per (video, model) pair. RawConfidences holds the
// per-frame confidence array as JSON.
type VideoPredictionMeta struct {
	ID             uint `gorm:"primaryKey"`
	VideoID        uint `gorm:"uniqueIndex:idx_vpm_video_model;not null"`
	AiModelID      uint `gorm:"uniqueIndex:idx_vpm_video_model;not null"`
	RawConfidences string `gorm:"type:text"`
	CreatedAt      time.Time
}
