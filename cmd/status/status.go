// Package status implements the status command: per-video state flags and
// anonymization readiness.
package status

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/datastore"
	"github.com/endoreg/endoscrub/internal/pipeline"
)

// Command creates the status command.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "status [video-uuid]",
		Short: "Show pipeline state for one video or a summary of all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, p, err := pipeline.Bootstrap(settings)
			if err != nil {
				return err
			}
			defer ds.Close()

			if len(args) == 0 {
				return printSummary(ds)
			}

			video, err := ds.GetVideoByUUID(args[0])
			if err != nil {
				return err
			}
			return printVideo(p, video)
		},
	}
}

func printSummary(ds datastore.Interface) error {
	videos, err := ds.ListVideos()
	if err != nil {
		return err
	}
	for i := range videos {
		v := &videos[i]
		fmt.Printf("%s  frames=%-5t predicted=%-5t segments=%-5t anonymized=%-5t raw=%t\n",
			v.UUID,
			stateFlag(v, func(s *datastore.VideoState) bool { return s.FramesExtracted }),
			stateFlag(v, func(s *datastore.VideoState) bool { return s.InitialPrediction }),
			stateFlag(v, func(s *datastore.VideoState) bool { return s.LvsCreated }),
			stateFlag(v, func(s *datastore.VideoState) bool { return s.Anonymized }),
			v.HasRaw())
	}
	return nil
}

func printVideo(p *pipeline.Pipeline, video *datastore.Video) error {
	fmt.Printf("video:      %s\n", video.UUID)
	fmt.Printf("raw:        %s\n", orNone(video.RawFile))
	fmt.Printf("processed:  %s\n", orNone(video.ProcessedFile))
	fmt.Printf("fps:        %.3f  frames: %d  size: %dx%d  duration: %.1fs\n",
		video.FPS, video.FrameCount, video.Width, video.Height, video.Duration)

	if s := video.State; s != nil {
		fmt.Printf("state:      meta=%t frames=%t text=%t prediction=%t segments=%t anonymized=%t\n",
			s.VideoMetaExtracted, s.FramesExtracted, s.TextMetaExtracted,
			s.InitialPrediction, s.LvsCreated, s.Anonymized)
	}

	readiness, err := p.Checker().CanAnonymize(video)
	if err != nil {
		return err
	}
	if readiness.Ready() {
		fmt.Println("readiness:  cleared for anonymization")
	} else {
		fmt.Printf("readiness:  blocked: %s\n", readiness.Explain())
	}
	return nil
}

func stateFlag(v *datastore.Video, pick func(*datastore.VideoState) bool) bool {
	if v.State == nil {
		return false
	}
	return pick(v.State)
}

func orNone(path string) string {
	if path == "" {
		return "(none)"
	}
	return path
}
