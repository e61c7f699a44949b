// Package review implements the human review commands: listing and
// approving predicted segments, verifying recovered metadata and adding
// manual segments.
package review

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/pipeline"
)

// Command creates the review command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Review predicted segments and recovered metadata",
	}
	cmd.AddCommand(
		segmentsCommand(settings),
		approveSegmentCommand(settings),
		verifyMetaCommand(settings),
		addSegmentCommand(settings),
		approveAnonymizationCommand(settings),
	)
	return cmd
}

func segmentsCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "segments [video-uuid]",
		Short: "List a video's segments and their validation state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, _, err := pipeline.Bootstrap(settings)
			if err != nil {
				return err
			}
			defer ds.Close()

			video, err := ds.GetVideoByUUID(args[0])
			if err != nil {
				return err
			}
			segments, err := ds.GetSegments(video.ID)
			if err != nil {
				return err
			}
			for _, s := range segments {
				origin := "predicted"
				if s.PredictionMetaID == nil {
					origin = "manual"
				}
				validated := s.State != nil && s.State.IsValidated
				labelName := ""
				if s.Label != nil {
					labelName = s.Label.Name
				}
				fmt.Printf("%6d  %-16s [%7d, %7d)  %-9s validated=%t\n",
					s.ID, labelName, s.StartFrameNumber, s.EndFrameNumber, origin, validated)
			}
			return nil
		},
	}
}

func approveSegmentCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "approve-segment [segment-id...]",
		Short: "Record human sign-off on segments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, p, err := pipeline.Bootstrap(settings)
			if err != nil {
				return err
			}
			defer ds.Close()

			for _, arg := range args {
				id, perr := strconv.ParseUint(arg, 10, 32)
				if perr != nil {
					return fmt.Errorf("invalid segment id %q: %w", arg, perr)
				}
				if err := p.Checker().ValidateSegment(uint(id)); err != nil {
					return err
				}
				fmt.Printf("segment %d validated\n", id)
			}
			return nil
		},
	}
}

func verifyMetaCommand(settings *conf.Settings) *cobra.Command {
	var (
		dob   bool
		names bool
	)

	cmd := &cobra.Command{
		Use:   "verify-meta [video-uuid]",
		Short: "Record human sign-off on recovered sensitive metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, p, err := pipeline.Bootstrap(settings)
			if err != nil {
				return err
			}
			defer ds.Close()

			video, err := ds.GetVideoByUUID(args[0])
			if err != nil {
				return err
			}

			var dobFlag, namesFlag *bool
			if cmd.Flags().Changed("dob") {
				dobFlag = &dob
			}
			if cmd.Flags().Changed("names") {
				namesFlag = &names
			}
			if dobFlag == nil && namesFlag == nil {
				return fmt.Errorf("specify --dob and/or --names")
			}
			if err := p.Checker().VerifySensitiveMeta(video, dobFlag, namesFlag); err != nil {
				return err
			}
			fmt.Printf("metadata sign-off updated for %s\n", video.UUID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dob, "dob", false, "Mark the date of birth as verified")
	cmd.Flags().BoolVar(&names, "names", false, "Mark the patient names as verified")

	return cmd
}

func approveAnonymizationCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "approve-anonymization [video-uuid]",
		Short: "Record human sign-off on the anonymized output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, p, err := pipeline.Bootstrap(settings)
			if err != nil {
				return err
			}
			defer ds.Close()

			video, err := ds.GetVideoByUUID(args[0])
			if err != nil {
				return err
			}
			if err := p.Checker().ApproveAnonymization(video); err != nil {
				return err
			}
			fmt.Printf("anonymized output approved for %s\n", video.UUID)
			return nil
		},
	}
}

func addSegmentCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "add-segment [video-uuid] [label] [start-frame] [end-frame]",
		Short: "Add a manual segment over a frame range",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid start frame %q: %w", args[2], err)
			}
			end, err := strconv.Atoi(args[3])
			if err != nil {
				return fmt.Errorf("invalid end frame %q: %w", args[3], err)
			}

			ds, p, err := pipeline.Bootstrap(settings)
			if err != nil {
				return err
			}
			defer ds.Close()

			video, err := ds.GetVideoByUUID(args[0])
			if err != nil {
				return err
			}
			segment, err := p.Checker().AddManualSegment(video, args[1], start, end)
			if err != nil {
				return err
			}
			fmt.Printf("segment %d created: %s [%d, %d)\n", segment.ID, args[1], start, end)
			return nil
		},
	}
}
