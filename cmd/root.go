package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/endoreg/endoscrub/cmd/anonymize"
	"github.com/endoreg/endoscrub/cmd/importer"
	"github.com/endoreg/endoscrub/cmd/model"
	"github.com/endoreg/endoscrub/cmd/process"
	"github.com/endoreg/endoscrub/cmd/review"
	"github.com/endoreg/endoscrub/cmd/status"
	"github.com/endoreg/endoscrub/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "endoscrub",
		Short: "Endoscopy video anonymization pipeline",
		Long: `endoscrub imports endoscopy recordings, extracts frames, recovers
sensitive overlay text, predicts outside-body segments and produces
de-identified videos once a human has signed off on the findings.`,
	}

	setupFlags(rootCmd, settings)

	subcommands := []*cobra.Command{
		importer.Command(settings),
		process.Command(settings),
		anonymize.Command(settings),
		review.Command(settings),
		status.Command(settings),
		model.Command(settings),
	}
	rootCmd.AddCommand(subcommands...)

	return rootCmd
}

// setupFlags defines global flags and binds them to viper so command-line
// arguments override file and environment configuration.
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", settings.Debug, "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&settings.Storage.Root, "storage-root", settings.Storage.Root, "Storage root directory")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("storage.root", rootCmd.PersistentFlags().Lookup("storage-root"))
}
