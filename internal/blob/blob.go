// Package blob selects and constructs the blob store backend that
// keeps fetched item bodies out of the relational row.
package blob

import (
	"context"
	"fmt"

	gstorage "cloud.google.com/go/storage"

	"github.com/shelfwatch/fetch-engine/internal/blob/gcs"
	"github.com/shelfwatch/fetch-engine/internal/blob/local"
	"github.com/shelfwatch/fetch-engine/internal/blob/memory"
	"github.com/shelfwatch/fetch-engine/internal/operation"
)

// Config selects the blob backend.
type Config struct {
	// Provider is one of gcs, local, memory.
	Provider string `mapstructure:"provider"`
	// Bucket is the GCS bucket for the gcs provider.
	Bucket string `mapstructure:"bucket"`
	// BaseDir is the root directory for the local provider.
	BaseDir string `mapstructure:"base_dir"`
}

// New builds the configured blob store. An empty provider means memory,
// which keeps development runs self-contained.
func New(ctx context.Context, cfg Config) (operation.BlobStore, error) {
	switch cfg.Provider {
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Bucket})
	case "local":
		return local.New(local.Config{BaseDir: cfg.BaseDir})
	case "memory", "":
		return memory.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown blob provider %q", cfg.Provider)
	}
}
