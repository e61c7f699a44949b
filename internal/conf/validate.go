package conf

import (
	"fmt"
)

// Validate checks the loaded settings for values that would make the
// pipeline misbehave in ways that are hard to diagnose later.
func Validate(s *Settings) error {
	if s.Storage.Root == "" {
		return fmt.Errorf("storage.root must not be empty")
	}
	if s.Storage.FrameDir == s.Storage.TempDir {
		// The anonymizer relies on these being distinct directories.
		return fmt.Errorf("storage.framedir and storage.tempdir must differ")
	}
	if s.StorageMargin < 1.0 {
		return fmt.Errorf("storagemargin must be >= 1.0, got %g", s.StorageMargin)
	}
	if s.OCR.FrameFraction <= 0 || s.OCR.FrameFraction > 1 {
		return fmt.Errorf("ocr.framefraction must be in (0, 1], got %g", s.OCR.FrameFraction)
	}
	if s.OCR.FrameCap < 1 {
		return fmt.Errorf("ocr.framecap must be >= 1, got %d", s.OCR.FrameCap)
	}
	if s.Inference.BinarizeThreshold < 0 || s.Inference.BinarizeThreshold > 1 {
		return fmt.Errorf("inference.binarizethreshold must be in [0, 1], got %g", s.Inference.BinarizeThreshold)
	}
	if s.Inference.SmoothWindowSec < 0 {
		return fmt.Errorf("inference.smoothwindowsec must not be negative, got %g", s.Inference.SmoothWindowSec)
	}
	if !s.Database.SQLite.Enabled && !s.Database.MySQL.Enabled {
		return fmt.Errorf("no database enabled, enable database.sqlite or database.mysql")
	}
	if s.Database.SQLite.Enabled && s.Database.MySQL.Enabled {
		return fmt.Errorf("enable only one of database.sqlite and database.mysql")
	}
	if s.Sentry.Enabled && s.Sentry.DSN == "" {
		return fmt.Errorf("sentry.dsn required when sentry is enabled")
	}
	return nil
}
