// assemble.go: reassembling a frame sequence into a video.
package transcoder

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // frame decode support
	_ "image/png"  // frame decode support
	"os"
	"path/filepath"
	"strconv"

	"github.com/endoreg/endoscrub/internal/errors"
)

// AssembleVideo encodes the frame files in frameDir (frame_%07d naming)
// into a video at outputPath with the given fps. When width/height are
// zero they are derived from the first frame. Frames whose dimensions do
// not match are resized with a warning rather than aborting the assembly;
// an undecodable first frame is an error.
func (t *Transcoder) AssembleVideo(ctx context.Context, frameDir, outputPath string, fps float64, width, height int) (string, error) {
	if err := validateBinary(t.settings.FfmpegPath); err != nil {
		return "", err
	}
	if fps <= 0 {
		return "", errors.ValidationError(fmt.Sprintf("invalid fps %g for assembly", fps))
	}

	files, err := listFrameFiles(frameDir, t.settings.FrameExt)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", errors.Newf("no frames to assemble in %s", frameDir).
			Category(errors.CategoryTranscoding).
			Build()
	}

	firstW, firstH, err := decodeFrameSize(files[0])
	if err != nil {
		return "", errors.New(fmt.Errorf("decoding first frame %s: %w", files[0], err)).
			Category(errors.CategoryIntegrity).
			Build()
	}
	if width == 0 || height == 0 {
		width, height = firstW, firstH
	} else if width != firstW || height != firstH {
		t.logger.Warn("frame dimensions differ from requested output, resizing",
			"frame_width", firstW, "frame_height", firstH,
			"out_width", width, "out_height", height)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}

	inPattern := filepath.Join(frameDir, FramePattern+t.settings.FrameExt)
	args := []string{
		"-y",
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-start_number", strconv.Itoa(mustFirstFrameNumber(files)),
		"-i", inPattern,
		// Scale pass normalizes stray frames of a different size instead
		// of failing the whole assembly.
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-c:v", encoderFor(t.settings.Codec),
		"-pix_fmt", t.settings.PixelFormat,
		"-color_range", t.settings.ColorRange,
		outputPath,
	}
	if err := t.runFFmpeg(ctx, args, 0); err != nil {
		return "", err
	}

	if _, err := os.Stat(outputPath); err != nil {
		return "", errors.New(fmt.Errorf("assembled video missing at %s: %w", outputPath, err)).
			Category(errors.CategoryIntegrity).
			Build()
	}
	return outputPath, nil
}

func mustFirstFrameNumber(files []string) int {
	n, err := ParseFrameNumber(files[0])
	if err != nil {
		return 0
	}
	return n
}

func decodeFrameSize(path string) (width, height int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
