// Package ocr samples extracted frames, runs OCR over the capture
// hardware's named text regions and maintains the sensitive-metadata
// record derived from the results.
package ocr

import (
	"context"
)

// Region is a named pixel region of a frame that may contain text.
type Region struct {
	Name   string
	X      int
	Y      int
	Width  int
	Height int
}

// Engine recognizes text per named region of one frame image. A failure on
// one frame is non-fatal to the batch; callers log and continue.
type Engine interface {
	Recognize(ctx context.Context, framePath string, regions []Region) (map[string]string, error)
}
