// probe.go: ffprobe stream inspection with a short-lived result cache.
package transcoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/endoreg/endoscrub/internal/errors"
)

// StreamInfo is the subset of ffprobe output the pipeline decides on.
type StreamInfo struct {
	CodecName  string
	PixelFmt   string
	ColorRange string
	Width      int
	Height     int
	Duration   float64 // seconds
	FPS        float64
}

// probeTimeout bounds a single ffprobe invocation.
const probeTimeout = 30 * time.Second

type ffprobeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		PixFmt       string `json:"pix_fmt"`
		ColorRange   string `json:"color_range"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe inspects the first video stream of a file. Results are cached for a
// short TTL keyed by path, since pipeline stages repeatedly probe the same
// input.
func (t *Transcoder) Probe(ctx context.Context, path string) (*StreamInfo, error) {
	if cached, ok := t.probeCache.Get(path); ok {
		info := cached.(StreamInfo)
		return &info, nil
	}

	info, err := probe(ctx, t.settings.FfprobePath, path)
	if err != nil {
		return nil, err
	}

	t.probeCache.Set(path, *info, gocache.DefaultExpiration)
	return info, nil
}

func probe(ctx context.Context, ffprobeBinary, path string) (*StreamInfo, error) {
	if path == "" {
		return nil, errors.ValidationError("probe path cannot be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, ffprobeBinary,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_type,codec_name,pix_fmt,color_range,width,height,avg_frame_rate",
		"-show_entries", "format=duration",
		"-of", "json",
		path)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, wrapToolError("ffprobe", err, ctx, &stderr)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out.Bytes(), &parsed); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output for %s: %w", path, err)
	}
	if len(parsed.Streams) == 0 {
		return nil, errors.Newf("no video stream in %s", path).
			Category(errors.CategoryTranscoding).
			Build()
	}

	s := parsed.Streams[0]
	info := &StreamInfo{
		CodecName:  s.CodecName,
		PixelFmt:   s.PixFmt,
		ColorRange: s.ColorRange,
		Width:      s.Width,
		Height:     s.Height,
		FPS:        parseRational(s.AvgFrameRate),
	}
	if parsed.Format.Duration != "" {
		info.Duration, _ = strconv.ParseFloat(parsed.Format.Duration, 64)
	}
	return info, nil
}

// parseRational parses ffprobe rational strings like "30000/1001" or "25/1".
func parseRational(s string) float64 {
	if s == "" || s == "0/0" {
		return 0
	}
	num, den, found := strings.Cut(s, "/")
	if !found {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// FrameCount estimates the total frame count from duration and fps.
func (si *StreamInfo) FrameCount() int {
	if si.Duration <= 0 || si.FPS <= 0 {
		return 0
	}
	return int(si.Duration*si.FPS + 0.5)
}
