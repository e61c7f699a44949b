// Package process implements the process command: codec compliance, frame
// extraction, text metadata recovery and segment prediction for one or all
// videos.
package process

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/datastore"
	"github.com/endoreg/endoscrub/internal/observability"
	"github.com/endoreg/endoscrub/internal/pipeline"
)

// Command creates the process command.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		all       bool
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:   "process [video-uuid...]",
		Short: "Run the processing flow over videos",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("specify video UUIDs or --all")
			}

			metrics := serveMetrics(settings)
			ds, p, err := pipeline.Bootstrap(settings, pipeline.WithMetrics(metrics))
			if err != nil {
				return err
			}
			defer ds.Close()

			videos, err := resolveVideos(ds, all, args)
			if err != nil {
				return err
			}

			var failures int
			for i := range videos {
				if !p.RunProcessing(cmd.Context(), &videos[i], overwrite) {
					failures++
				}
			}
			if failures > 0 {
				return fmt.Errorf("%d of %d videos failed processing", failures, len(videos))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Process every known video")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Redo completed stages")

	return cmd
}

func resolveVideos(ds datastore.Interface, all bool, uuids []string) ([]datastore.Video, error) {
	if all {
		return ds.ListVideos()
	}
	videos := make([]datastore.Video, 0, len(uuids))
	for _, id := range uuids {
		video, err := ds.GetVideoByUUID(id)
		if err != nil {
			return nil, err
		}
		videos = append(videos, *video)
	}
	return videos, nil
}

func serveMetrics(settings *conf.Settings) *observability.PipelineMetrics {
	if !settings.Metrics.Enabled {
		return nil
	}
	metrics, err := observability.NewPipelineMetrics()
	if err != nil {
		return nil
	}
	go func() {
		_ = metrics.Serve(settings.Metrics.Listen)
	}()
	return metrics
}
