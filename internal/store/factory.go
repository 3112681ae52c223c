package store

import (
	aerrors "github.com/albumkit/albumd/internal/errors"
)

// New creates a vector store for the configured mode. "local-file"
// opens (or creates) an HNSW index under cfg.Path; "remote" returns a
// client for an external vector service.
func New(cfg Config) (VectorStore, error) {
	switch cfg.Mode {
	case "local-file", "":
		return OpenHNSWStore(cfg)
	case "remote":
		return NewRemoteStore(cfg)
	default:
		return nil, aerrors.Newf(aerrors.KindMisconfigured,
			"unknown vector store mode %q (want local-file or remote)", cfg.Mode)
	}
}
