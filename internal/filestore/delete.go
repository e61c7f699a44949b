package filestore

import (
	"github.com/endoreg/endoscrub/internal/datastore"
	"github.com/endoreg/endoscrub/internal/errors"
)

// DeleteWithFile removes every on-disk asset of a video and then its
// database row. Each step is guarded independently so one failure does not
// prevent attempting the others; every step is logged. Returns the joined
// errors of all failed steps.
func (s *Store) DeleteWithFile(ds datastore.Interface, video *datastore.Video) error {
	var errs []error

	framePath := s.FramePath(video.UUID)
	if err := s.RemoveDir(framePath); err != nil {
		s.logger.Error("failed to delete frame directory", "video", video.UUID, "path", framePath, "error", err)
		errs = append(errs, err)
	} else {
		s.logger.Info("deleted frame directory", "video", video.UUID, "path", framePath)
	}

	tempPath := s.TempFramePath(video.UUID)
	if err := s.RemoveDir(tempPath); err != nil {
		s.logger.Error("failed to delete temp frame directory", "video", video.UUID, "path", tempPath, "error", err)
		errs = append(errs, err)
	} else {
		s.logger.Info("deleted temp frame directory", "video", video.UUID, "path", tempPath)
	}

	if video.RawFile != "" {
		if err := s.RemoveFile(video.RawFile); err != nil {
			s.logger.Error("failed to delete raw file", "video", video.UUID, "path", video.RawFile, "error", err)
			errs = append(errs, err)
		} else {
			s.logger.Info("deleted raw file", "video", video.UUID, "path", video.RawFile)
		}
	}

	if video.ProcessedFile != "" {
		if err := s.RemoveFile(video.ProcessedFile); err != nil {
			s.logger.Error("failed to delete processed file", "video", video.UUID, "path", video.ProcessedFile, "error", err)
			errs = append(errs, err)
		} else {
			s.logger.Info("deleted processed file", "video", video.UUID, "path", video.ProcessedFile)
		}
	}

	if err := ds.DeleteVideoRow(video.ID); err != nil {
		s.logger.Error("failed to delete video row", "video", video.UUID, "error", err)
		errs = append(errs, err)
	} else {
		s.logger.Info("deleted video row", "video", video.UUID)
	}

	return errors.Join(errs...)
}
