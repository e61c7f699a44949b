// Package model implements the model command group: registering versioned
// segment-classification models and assigning them to videos.
package model

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/datastore"
	"github.com/endoreg/endoscrub/internal/inference"
	"github.com/endoreg/endoscrub/internal/pipeline"
)

// Command creates the model command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage segment-classification models",
	}
	cmd.AddCommand(registerCommand(settings), assignCommand(settings))
	return cmd
}

func registerCommand(settings *conf.Settings) *cobra.Command {
	var (
		weights   string
		labels    string
		mean      string
		std       string
		inputSize int
	)

	cmd := &cobra.Command{
		Use:   "register [name] [version]",
		Short: "Register a model version with its weights and label order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, _, err := pipeline.Bootstrap(settings)
			if err != nil {
				return err
			}
			defer ds.Close()

			row := &datastore.AiModel{
				Name:        args[0],
				Version:     args[1],
				WeightsPath: weights,
				Labels:      labels,
				MeanJSON:    mean,
				StdJSON:     std,
				InputSize:   inputSize,
			}
			// Reject malformed label or normalization JSON at registration,
			// not at first prediction.
			if _, err := inference.DecodeModelSpec(row); err != nil {
				return err
			}
			if existing, err := ds.FindAiModel(args[0], args[1]); err != nil {
				return err
			} else if existing != nil {
				row.ID = existing.ID
			}
			if err := ds.SaveAiModel(row); err != nil {
				return err
			}
			fmt.Printf("model %s %s registered (id %d)\n", row.Name, row.Version, row.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&weights, "weights", "", "Path to the tflite weights file")
	cmd.Flags().StringVar(&labels, "labels", "", "JSON array of label names in output tensor order")
	cmd.Flags().StringVar(&mean, "mean", "", "JSON array of per-channel normalization means")
	cmd.Flags().StringVar(&std, "std", "", "JSON array of per-channel normalization stds")
	cmd.Flags().IntVar(&inputSize, "input-size", 0, "Square input edge length in pixels")
	_ = cmd.MarkFlagRequired("weights")
	_ = cmd.MarkFlagRequired("labels")
	_ = cmd.MarkFlagRequired("input-size")

	return cmd
}

func assignCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "assign [video-uuid] [name] [version]",
		Short: "Set a video's active model",
		Args:  cobra.ExactArgs(3),
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
			row, err := ds.FindAiModel(args[1], args[2])
			if err != nil {
				return err
			}
			if row == nil {
				return fmt.Errorf("model %s %s is not registered", args[1], args[2])
			}
			if err := ds.UpdateVideoColumns(video.ID, map[string]any{"active_model_id": row.ID}); err != nil {
				return err
			}
			fmt.Printf("video %s now uses model %s %s\n", video.UUID, row.Name, row.Version)
			return nil
		},
	}
}
