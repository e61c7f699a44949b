// tesseract.go: OCR engine backed by the external tesseract binary. Each
// region is cropped out of the frame and fed to tesseract separately so the
// device overlay's layout does not confuse recognition.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/endoreg/endoscrub/internal/errors"
)

// recognizeTimeout bounds one tesseract invocation per region.
const recognizeTimeout = 30 * time.Second

// TesseractEngine shells out to tesseract for text recognition.
type TesseractEngine struct {
	binary   string
	language string
}

// NewTesseractEngine creates an engine, verifying the binary is installed.
func NewTesseractEngine(binary, language string) (*TesseractEngine, error) {
	if binary == "" {
		binary = "tesseract"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, errors.Newf("tesseract is not installed: %v", err).
			Category(errors.CategoryOCR).
			Build()
	}
	return &TesseractEngine{binary: binary, language: language}, nil
}

// Recognize crops each region out of the frame and runs tesseract on it.
func (t *TesseractEngine) Recognize(ctx context.Context, framePath string, regions []Region) (map[string]string, error) {
	img, err := decodeImage(framePath)
	if err != nil {
		return nil, errors.New(fmt.Errorf("decoding frame %s: %w", framePath, err)).
			Category(errors.CategoryOCR).
			Build()
	}

	tmpDir, err := os.MkdirTemp("", "endoscrub-ocr-")
	if err != nil {
		return nil, fmt.Errorf("creating ocr temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	results := make(map[string]string, len(regions))
	for _, region := range regions {
		cropPath := filepath.Join(tmpDir, region.Name+".png")
		if err := writeCrop(img, region, cropPath); err != nil {
			return nil, err
		}
		text, err := t.recognizeFile(ctx, cropPath)
		if err != nil {
			return nil, err
		}
		results[region.Name] = strings.TrimSpace(text)
	}
	return results, nil
}

func (t *TesseractEngine) recognizeFile(ctx context.Context, imagePath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, recognizeTimeout)
	defer cancel()

	args := []string{imagePath, "stdout", "--psm", "7"}
	if t.language != "" {
		args = append(args, "-l", t.language)
	}

	cmd := exec.CommandContext(ctx, t.binary, args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", errors.Newf("tesseract failed: %v", err).
			Category(errors.CategoryOCR).
			Context("stderr", strings.TrimSpace(stderr.String())).
			Build()
	}
	return out.String(), nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

func writeCrop(img image.Image, region Region, outPath string) error {
	bounds := image.Rect(region.X, region.Y, region.X+region.Width, region.Y+region.Height)
	bounds = bounds.Intersect(img.Bounds())
	if bounds.Empty() {
		return errors.Newf("region %q lies outside the frame", region.Name).
			Category(errors.CategoryValidation).
			Build()
	}

	type subImager interface {
		SubImage(r image.Rectangle) image.Image
	}
	si, ok := img.(subImager)
	if !ok {
		return errors.Newf("frame image type does not support cropping").
			Category(errors.CategoryOCR).
			Build()
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating crop file: %w", err)
	}
	defer out.Close()
	return png.Encode(out, si.SubImage(bounds))
}
