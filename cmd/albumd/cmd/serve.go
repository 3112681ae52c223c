package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/albumkit/albumd/internal/agent"
	"github.com/albumkit/albumd/internal/config"
	"github.com/albumkit/albumd/internal/edit"
	"github.com/albumkit/albumd/internal/embed"
	"github.com/albumkit/albumd/internal/index"
	"github.com/albumkit/albumd/internal/logging"
	"github.com/albumkit/albumd/internal/objstore"
	"github.com/albumkit/albumd/internal/pointcloud"
	"github.com/albumkit/albumd/internal/recommend"
	"github.com/albumkit/albumd/internal/search"
	"github.com/albumkit/albumd/internal/server"
	"github.com/albumkit/albumd/internal/session"
	"github.com/albumkit/albumd/internal/store"
	"github.com/albumkit/albumd/internal/tools"
	"github.com/albumkit/albumd/internal/vision"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the photo library service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, cleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.FilePath,
		WriteToStderr: true,
	})
	if err != nil {
		return err
	}
	defer cleanup()
	slog.SetDefault(logger)

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
	engine := search.NewEngine(embedder, vectors, images, logger)
	sessions := session.NewManager(0)
	deleter := recommend.NewDeleter(images, vectors, status, logger)

	var visionClient *vision.Client
	if cfg.Vision.Endpoint != "" && cfg.Vision.APIKey != "" {
		visionClient, err = vision.NewClient(vision.Config{
			Endpoint: cfg.Vision.Endpoint,
			APIKey:   cfg.Vision.APIKey,
			Model:    cfg.Vision.Model,
			Timeout:  cfg.Vision.Timeout,
		}, logger)
		if err != nil {
			return err
		}
	}

	var recommender *recommend.Recommender
	if visionClient != nil {
		recommender = recommend.New(visionClient, images, logger)
	}

	var editor *edit.Editor
	if cfg.Edit.Endpoint != "" && cfg.Edit.APIKey != "" {
		editClient, err := edit.NewClient(edit.ClientConfig{
			Endpoint: cfg.Edit.Endpoint,
			APIKey:   cfg.Edit.APIKey,
			Model:    cfg.Edit.Model,
			Timeout:  cfg.Edit.Timeout,
		})
		if err != nil {
			return err
		}
		editor = edit.NewEditor(editClient, images, indexer, embedder, logger)
	}

	var pointClouds *pointcloud.Manager
	if cfg.PointCloud.ServiceURL != "" {
		pcClient, err := pointcloud.NewClient(pointcloud.ClientConfig{
			ServiceURL:      cfg.PointCloud.ServiceURL,
			Timeout:         cfg.PointCloud.Timeout,
			DownloadTimeout: cfg.PointCloud.DownloadTimeout,
		})
		if err != nil {
			return err
		}
		pointClouds, err = pointcloud.NewManager(pcClient, status, pointcloud.ManagerConfig{
			StoragePath:    cfg.PointCloud.StoragePath,
			PollInterval:   cfg.PointCloud.PollInterval,
			MonitorTimeout: cfg.PointCloud.MonitorTimeout,
		}, images.Get, logger)
		if err != nil {
			return err
		}
	}

	var orchestrator *agent.Orchestrator
	if cfg.Agent.Enabled {
		var chatClient agent.Completer
		if cfg.Agent.Endpoint != "" && cfg.Agent.APIKey != "" {
			chatClient, err = agent.NewClient(agent.ClientConfig{
				Endpoint: cfg.Agent.Endpoint,
				APIKey:   cfg.Agent.APIKey,
				Model:    cfg.Agent.Model,
				Timeout:  cfg.Agent.Timeout,
			})
			if err != nil {
				return err
			}
		}
		var monitor func(context.Context, *session.Session, string)
		if pointClouds != nil {
			monitor = pointClouds.Monitor
		}
		orchestrator = agent.New(agent.Options{
			Client:        chatClient,
			Registry:      tools.Default(),
			Invoker:       tools.NewInvoker(loopbackURL(cfg.Server.Addr), cfg.Agent.Timeout),
			Sessions:      sessions,
			Images:        images,
			MaxIterations: cfg.Agent.MaxIterations,
			Monitor:       monitor,
			Logger:        logger,
		})
	}

	srv := server.New(server.Deps{
		Images:       images,
		Vectors:      vectors,
		Status:       status,
		Embedder:     embedder,
		Indexer:      indexer,
		Engine:       engine,
		Vision:       visionClient,
		Editor:       editor,
		Recommender:  recommender,
		Deleter:      deleter,
		PointClouds:  pointClouds,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		MaxUpload:    cfg.Storage.MaxFileSize,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Indexing.WatchEnabled {
		watcher, err := index.NewWatcher(indexer, cfg.Storage.Path, cfg.Indexing.WatchDebounce, logger)
		if err != nil {
			return err
		}
		go watcher.Run(ctx)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("albumd listening", "addr", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// loopbackURL derives the base URL tool calls use to reach our own
// listener.
func loopbackURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://127.0.0.1" + addr
	}
	return fmt.Sprintf("http://%s", addr)
}
