// Package cmd provides the CLI commands for albumd.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/albumkit/albumd/pkg/version"
)

var configPath string

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "albumd",
		Short: "Semantic photo library service",
		Long: `albumd stores photos, indexes them with multimodal embeddings and
serves natural-language search, date search, point-cloud generation and
a conversational assistant over HTTP.

Run 'albumd serve' to start the service.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newReindexCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}
