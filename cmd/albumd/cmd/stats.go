package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/albumkit/albumd/internal/config"
	"github.com/albumkit/albumd/internal/objstore"
	"github.com/albumkit/albumd/internal/store"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print library statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			images, err := objstore.Open(objstore.Options{
				Root:        cfg.Storage.Path,
				MaxFileSize: cfg.Storage.MaxFileSize,
			})
			if err != nil {
				return err
			}
			stats, err := images.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := map[string]any{
				"total_images": stats.TotalImages,
				"total_size":   stats.TotalSize,
			}
			if status, err := store.OpenStatusStore(cfg.Vector.StatusDB); err == nil {
				if counts, err := status.CountByState(cmd.Context()); err == nil {
					out["index_states"] = counts
				}
				_ = status.Close()
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
