// Package anonymize implements the anonymize command: it produces the
// de-identified video and, unless told otherwise, destroys the raw assets
// and the sensitive metadata afterwards.
package anonymize

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/pipeline"
)

// Command creates the anonymize command.
func Command(settings *conf.Settings) *cobra.Command {
	var keepRaw bool

	cmd := &cobra.Command{
		Use:   "anonymize [video-uuid...]",
		Short: "Produce de-identified videos for reviewed recordings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, p, err := pipeline.Bootstrap(settings)
			if err != nil {
				return err
			}
			defer ds.Close()

			var failures int
			for _, id := range args {
				video, verr := ds.GetVideoByUUID(id)
				if verr != nil {
					fmt.Printf("failed %s: %v\n", id, verr)
					failures++
					continue
				}
				if !p.RunAnonymization(cmd.Context(), video, !keepRaw) {
					failures++
					continue
				}
				fmt.Printf("anonymized %s -> %s\n", video.UUID, video.ProcessedFile)
			}
			if failures > 0 {
				return fmt.Errorf("%d of %d videos failed anonymization", failures, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&keepRaw, "keep-raw", false, "Keep the raw video and frames after anonymization")

	return cmd
}
