// masking.go: per-frame pixel masking. An "outside" frame is blacked out
// entirely; any other frame keeps the endoscope image region verbatim and
// blacks out the device overlay around it, where the sensitive text lives.
package anonymizer

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
)

// maskedJpegQuality keeps re-encoded frames visually lossless enough for
// clinical review.
const maskedJpegQuality = 92

// maskFrame writes a masked copy of the frame at srcPath to dstPath. roi is
// the endoscope image region in frame coordinates; outside selects the
// full-black treatment.
func maskFrame(srcPath, dstPath string, roi image.Rectangle, outside bool) error {
	src, err := decodeFrame(srcPath)
	if err != nil {
		return fmt.Errorf("decoding frame %s: %w", srcPath, err)
	}

	bounds := src.Bounds()
	masked := image.NewRGBA(bounds)
	draw.Draw(masked, bounds, image.NewUniform(color.Black), image.Point{}, draw.Src)

	if !outside {
		if keep := roi.Intersect(bounds); !keep.Empty() {
			draw.Draw(masked, keep, src, keep.Min, draw.Src)
		}
	}

	return encodeFrame(masked, dstPath)
}

func decodeFrame(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

func encodeFrame(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating masked frame %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		err = png.Encode(f, img)
	default:
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: maskedJpegQuality})
	}
	if err != nil {
		return fmt.Errorf("encoding masked frame %s: %w", path, err)
	}
	return nil
}
