// sensitive.go: sensitive patient/examination metadata, one-way hashes and
// pseudo-entity resolution.
package datastore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

const hashDateLayout = "2006-01-02"

// ComputePatientHash derives the irreversible patient hash from name, DOB
// and center plus a secret salt. Inputs are normalized so OCR case/spacing
// noise does not split one patient into many.
func ComputePatientHash(firstName, lastName string, dob *time.Time, centerName, salt string) string {
	parts := []string{
		normalizeHashPart(firstName),
		normalizeHashPart(lastName),
		formatHashDate(dob),
		normalizeHashPart(centerName),
	}
	return hashParts(parts, salt)
}

// ComputeExaminationHash derives the irreversible examination hash, which
// additionally binds the examination date.
func ComputeExaminationHash(firstName, lastName string, dob *time.Time, centerName string, examDate *time.Time, salt string) string {
	parts := []string{
		normalizeHashPart(firstName),
		normalizeHashPart(lastName),
		formatHashDate(dob),
		normalizeHashPart(centerName),
		formatHashDate(examDate),
	}
	return hashParts(parts, salt)
}

func normalizeHashPart(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func formatHashDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(hashDateLayout)
}

func hashParts(parts []string, salt string) string {
	h := sha256.New()
	h.Write([]byte(salt))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SaveSensitiveMeta persists the metadata record. Hashes are recomputed and
// the pseudo-entities re-resolved on every save, inside one transaction.
func (ds *DataStore) SaveSensitiveMeta(meta *SensitiveMeta, salt string) error {
	return ds.Transaction(func(tx *DataStore) error {
		centerName := ""
		if meta.CenterID != nil {
			var center Center
			if err := tx.DB.First(&center, *meta.CenterID).Error; err != nil {
				return fmt.Errorf("resolving center %d: %w", *meta.CenterID, err)
			}
			centerName = center.Name
		}

		meta.PatientHash = ComputePatientHash(meta.FirstName, meta.LastName, meta.DOB, centerName, salt)
		meta.ExaminationHash = ComputeExaminationHash(meta.FirstName, meta.LastName, meta.DOB, centerName, meta.ExaminationDate, salt)

		pseudoPatient, err := tx.getOrCreatePseudoPatient(meta.PatientHash)
		if err != nil {
			return err
		}
		meta.PseudoPatientID = &pseudoPatient.ID

		pseudoExam, err := tx.getOrCreatePseudoExamination(meta.ExaminationHash)
		if err != nil {
			return err
		}
		meta.PseudoExaminationID = &pseudoExam.ID

		if err := tx.DB.Omit("Center", "PseudoPatient", "PseudoExamination", "State").Save(meta).Error; err != nil {
			return fmt.Errorf("saving sensitive meta: %w", err)
		}

		// State row is created lazily with the record.
		var state SensitiveMetaState
		err = tx.DB.Where(SensitiveMetaState{SensitiveMetaID: meta.ID}).FirstOrCreate(&state).Error
		if err != nil {
			return fmt.Errorf("creating sensitive meta state: %w", err)
		}
		meta.State = &state
		return nil
	})
}

func (ds *DataStore) getOrCreatePseudoPatient(patientHash string) (*PseudoPatient, error) {
	var pseudo PseudoPatient
	err := ds.DB.Where(PseudoPatient{PatientHash: patientHash}).FirstOrCreate(&pseudo).Error
	if err != nil {
		return nil, fmt.Errorf("get-or-create pseudo patient: %w", err)
	}
	return &pseudo, nil
}

func (ds *DataStore) getOrCreatePseudoExamination(examinationHash string) (*PseudoExamination, error) {
	var pseudo PseudoExamination
	err := ds.DB.Where(PseudoExamination{ExaminationHash: examinationHash}).FirstOrCreate(&pseudo).Error
	if err != nil {
		return nil, fmt.Errorf("get-or-create pseudo examination: %w", err)
	}
	return &pseudo, nil
}

// GetSensitiveMeta retrieves one record with its state and center.
func (ds *DataStore) GetSensitiveMeta(id uint) (*SensitiveMeta, error) {
	var meta SensitiveMeta
	err := ds.DB.Preload("State").Preload("Center").First(&meta, id).Error
	if err != nil {
		return nil, fmt.Errorf("getting sensitive meta %d: %w", id, err)
	}
	return &meta, nil
}

// AttachSensitiveMeta links a metadata record to its owning video.
func (ds *DataStore) AttachSensitiveMeta(videoID, metaID uint) error {
	err := ds.DB.Model(&Video{}).Where("id = ?", videoID).
		Update("sensitive_meta_id", metaID).Error
	if err != nil {
		return fmt.Errorf("attaching sensitive meta %d to video %d: %w", metaID, videoID, err)
	}
	return nil
}

// DeleteSensitiveMeta nulls the video's FK and deletes the metadata row and
// its state, shedding identifying data after successful anonymization.
func (ds *DataStore) DeleteSensitiveMeta(videoID uint) error {
	return ds.Transaction(func(tx *DataStore) error {
		var video Video
		if err := tx.DB.First(&video, videoID).Error; err != nil {
			return fmt.Errorf("getting video %d: %w", videoID, err)
		}
		if video.SensitiveMetaID == nil {
			return nil
		}
		metaID := *video.SensitiveMetaID

		err := tx.DB.Model(&Video{}).Where("id = ?", videoID).
			Update("sensitive_meta_id", gorm.Expr("NULL")).Error
		if err != nil {
			return fmt.Errorf("clearing sensitive meta reference: %w", err)
		}
		if err := tx.DB.Where("sensitive_meta_id = ?", metaID).Delete(&SensitiveMetaState{}).Error; err != nil {
			return fmt.Errorf("deleting sensitive meta state: %w", err)
		}
		if err := tx.DB.Delete(&SensitiveMeta{}, metaID).Error; err != nil {
			return fmt.Errorf("deleting sensitive meta %d: %w", metaID, err)
		}
		return nil
	})
}

// VerifySensitiveMeta sets human sign-off flags. Nil leaves a flag as is.
func (ds *DataStore) VerifySensitiveMeta(metaID uint, dobVerified, namesVerified *bool) error {
	var state SensitiveMetaState
	err := ds.DB.Where(SensitiveMetaState{SensitiveMetaID: metaID}).FirstOrCreate(&state).Error
	if err != nil {
		return fmt.Errorf("get-or-create state for sensitive meta %d: %w", metaID, err)
	}
	updates := map[string]any{}
	if dobVerified != nil {
		updates["dob_verified"] = *dobVerified
	}
	if namesVerified != nil {
		updates["names_verified"] = *namesVerified
	}
	if len(updates) == 0 {
		return nil
	}
	err = ds.DB.Model(&SensitiveMetaState{}).
		Where("sensitive_meta_id = ?", metaID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("verifying sensitive meta %d: %w", metaID, err)
	}
	return nil
}
