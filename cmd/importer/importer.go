// Package importer implements the import command: it registers external
// recordings in the raw store with content-hash deduplication.
package importer

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/errors"
	"github.com/endoreg/endoscrub/internal/pipeline"
)

// Command creates the import command.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		center    string
		processor string
		modelName string
		modelVer  string
		move      bool
	)

	cmd := &cobra.Command{
		Use:   "import [recording...]",
		Short: "Import recordings into the raw video store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, p, err := pipeline.Bootstrap(settings)
			if err != nil {
				return err
			}
			defer ds.Close()

			var failures int
			for _, source := range args {
				video, ierr := p.ImportVideo(cmd.Context(), pipeline.ImportOptions{
					Source:        source,
					CenterName:    center,
					ProcessorName: processor,
					ModelName:     modelName,
					ModelVersion:  modelVer,
					Move:          move,
				})
				switch {
				case ierr == nil:
					fmt.Printf("imported %s as %s\n", source, video.UUID)
				case errors.Is(ierr, errors.ErrDuplicateHash):
					fmt.Printf("skipped %s: already imported as %s\n", source, video.UUID)
				default:
					fmt.Printf("failed %s: %v\n", source, ierr)
					failures++
				}
			}
			if failures > 0 {
				return fmt.Errorf("%d of %d imports failed", failures, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&center, "center", "", "Owning center name")
	cmd.Flags().StringVar(&processor, "processor", "", "Capture hardware name")
	cmd.Flags().StringVar(&modelName, "model", "", "Active model name")
	cmd.Flags().StringVar(&modelVer, "model-version", "", "Active model version")
	cmd.Flags().BoolVar(&move, "move", false, "Delete the source after a verified copy")

	return cmd
}
