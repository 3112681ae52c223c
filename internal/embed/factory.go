package embed

import (
	"log/slog"

	aerrors "github.com/albumkit/albumd/internal/errors"
)

// New creates an embedder for the configured provider and wraps it with
// LRU caching. "local" expects a self-hosted model server; "remote"
// expects a hosted multimodal embedding API.
func New(cfg Config, logger *slog.Logger) (Embedder, error) {
	var (
		inner Embedder
		err   error
	)
	switch cfg.Provider {
	case "local", "":
		inner, err = NewLocalEmbedder(cfg, logger)
	case "remote":
		inner, err = NewRemoteEmbedder(cfg, logger)
	default:
		return nil, aerrors.Newf(aerrors.KindMisconfigured,
			"unknown embedding provider %q (want local or remote)", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}
