package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/albumkit/albumd/internal/config"
	"github.com/albumkit/albumd/internal/embed"
	"github.com/albumkit/albumd/internal/index"
	"github.com/albumkit/albumd/internal/logging"
	"github.com/albumkit/albumd/internal/objstore"
	"github.com/albumkit/albumd/internal/store"
)

func newReindexCmd() *cobra.Command {
	var parallelism int

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Embed every stored image missing from the vector index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}
			logger, cleanup, err := logging.Setup(logging.Config{
				Level: cfg.Logging.Level, WriteToStderr: true,
			})
			if err != nil {
				return err
			}
			defer cleanup()

			images, err := objstore.Open(objstore.Options{
				Root:        cfg.Storage.Path,
				MaxFileSize: cfg.Storage.MaxFileSize,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			vectors, err := store.New(store.Config{
				Mode:       cfg.Vector.Mode,
				Path:       cfg.Vector.Path,
				Endpoint:   cfg.Vector.Endpoint,
				Collection: cfg.Vector.Collection,
				Dimensions: cfg.Vector.Dimensions,
			})
			if err != nil {
				return err
			}
			defer func() { _ = vectors.Close() }()

			status, err := store.OpenStatusStore(cfg.Vector.StatusDB)
			if err != nil {
				return err
			}
			defer func() { _ = status.Close() }()

			embedder, err := embed.New(embed.Config{
				Provider:   cfg.Embeddings.Provider,
				Endpoint:   cfg.Embeddings.Endpoint,
				APIKey:     cfg.Embeddings.APIKey,
				Model:      cfg.Embeddings.Model,
				Dimensions: cfg.Embeddings.Dimensions,
				Timeout:    cfg.Embeddings.Timeout,
				CacheSize:  cfg.Embeddings.CacheSize,
			}, logger)
			if err != nil {
				return err
			}
			defer func() { _ = embedder.Close() }()

			indexer := index.New(images, vectors, embedder, status, cfg.Indexing.Workers, logger)
			defer indexer.Close()

			report, err := indexer.ReindexAll(cmd.Context(), parallelism)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"scanned %d, indexed %d, skipped %d, failed %d\n",
				report.Scanned, report.Indexed, report.Skipped, report.Failed)
			return nil
		},
	}

	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", 0, "concurrent embeddings (default: worker count)")
	return cmd
}
