// Package transcoder wraps the external ffmpeg/ffprobe tools for codec
// normalization and frame sequence extraction/reassembly. Every invocation
// is a blocking subprocess call and must never run inside an open database
// transaction.
package transcoder

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/errors"
	"github.com/endoreg/endoscrub/internal/logging"
)

// Transcoder invokes the external video tool with explicit codec, pixel
// format and color range arguments.
type Transcoder struct {
	settings   *conf.TranscodeSettings
	probeCache *gocache.Cache
	logger     *slog.Logger
}

// New creates a transcoder for the given settings.
func New(settings *conf.TranscodeSettings) *Transcoder {
	return &Transcoder{
		settings:   settings,
		probeCache: gocache.New(5*time.Minute, 10*time.Minute),
		logger:     logging.ForService("transcoder"),
	}
}

// validateBinary checks that the external tool is configured and on PATH.
func validateBinary(binary string) error {
	if binary == "" {
		return errors.Newf("external tool is not configured").
			Category(errors.CategoryTranscoding).
			Build()
	}
	if _, err := exec.LookPath(binary); err != nil {
		return errors.Newf("external tool %s is not installed: %v", binary, err).
			Category(errors.CategoryTranscoding).
			Build()
	}
	return nil
}

// EnsureCompliant returns a path to a video matching the configured target
// codec, pixel format and color range. A compliant input is returned
// unchanged when outputPath is empty, or copied verbatim (stream copy) when
// a distinct output path was requested; otherwise the input is transcoded.
func (t *Transcoder) EnsureCompliant(ctx context.Context, inputPath, outputPath string) (string, error) {
	if err := validateBinary(t.settings.FfprobePath); err != nil {
		return "", err
	}
	if err := validateBinary(t.settings.FfmpegPath); err != nil {
		return "", err
	}

	info, err := t.Probe(ctx, inputPath)
	if err != nil {
		return "", err
	}

	if t.isCompliant(info) {
		if outputPath == "" || outputPath == inputPath {
			t.logger.Debug("input already compliant", "path", inputPath)
			return inputPath, nil
		}
		// Requested a distinct output: remux without re-encoding.
		args := []string{"-y", "-i", inputPath, "-c", "copy", outputPath}
		if err := t.runFFmpeg(ctx, args, 0); err != nil {
			return "", err
		}
		return outputPath, nil
	}

	if outputPath == "" {
		outputPath = strings.TrimSuffix(inputPath, ".mp4") + "_compliant.mp4"
	}

	t.logger.Info("transcoding to compliance target",
		"input", inputPath,
		"codec", info.CodecName,
		"pix_fmt", info.PixelFmt,
		"color_range", info.ColorRange)

	args := []string{
		"-y",
		"-i", inputPath,
		"-c:v", encoderFor(t.settings.Codec),
		"-pix_fmt", t.settings.PixelFormat,
		"-color_range", t.settings.ColorRange,
		"-an", // endoscopy audio tracks carry no clinical value and may leak speech
		outputPath,
	}
	if err := t.runFFmpeg(ctx, args, 0); err != nil {
		return "", err
	}
	return outputPath, nil
}

func (t *Transcoder) isCompliant(info *StreamInfo) bool {
	return info.CodecName == t.settings.Codec &&
		info.PixelFmt == t.settings.PixelFormat &&
		isFullRange(info.ColorRange, t.settings.ColorRange)
}

// ffprobe reports full range as "pc", ffmpeg accepts "pc" or "jpeg".
func isFullRange(probed, target string) bool {
	normalize := func(s string) string {
		switch s {
		case "pc", "jpeg", "full":
			return "pc"
		case "tv", "mpeg", "limited":
			return "tv"
		default:
			return s
		}
	}
	return normalize(probed) == normalize(target)
}

func encoderFor(codec string) string {
	switch codec {
	case "h264":
		return "libx264"
	case "h265", "hevc":
		return "libx265"
	default:
		return codec
	}
}

// runFFmpeg executes ffmpeg with the given args, capturing stderr into a
// transcoding error on failure. A zero timeout leaves cancellation to the
// caller's context.
func (t *Transcoder) runFFmpeg(ctx context.Context, args []string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, t.settings.FfmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return wrapToolError("ffmpeg", err, ctx, &stderr)
	}
	return nil
}

// wrapToolError converts a subprocess failure into a categorized error
// carrying the tool's stderr tail.
func wrapToolError(tool string, err error, ctx context.Context, stderr *bytes.Buffer) error {
	category := errors.CategoryTranscoding
	if ctx.Err() == context.DeadlineExceeded {
		category = errors.CategoryTimeout
	}

	tail := stderr.String()
	if len(tail) > 2048 {
		tail = tail[len(tail)-2048:]
	}

	return errors.Newf("%s failed: %v", tool, err).
		Category(category).
		Context("stderr", strings.TrimSpace(tail)).
		Build()
}
