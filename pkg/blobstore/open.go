package blobstore

import (
	"context"
	"fmt"

	"github.com/3leaps/gofielding/pkg/provider"
	"github.com/3leaps/gofielding/pkg/provider/file"
	"github.com/3leaps/gofielding/pkg/provider/s3"
)

// Config selects and configures the blob backend.
type Config struct {
	// Provider is "file" or "s3".
	Provider string

	// BaseDir is the root directory for the file provider.
	BaseDir string

	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string
	Profile        string
	ForcePathStyle bool
}

// Open builds the configured provider and wraps it in a Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pt, err := provider.ParseProviderType(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("blobstore open: %w", err)
	}

	var p provider.ReadWriter
	switch pt {
	case provider.ProviderFile:
		p, err = file.New(file.Config{BaseDir: cfg.BaseDir})
	case provider.ProviderS3:
		p, err = s3.New(ctx, s3.Config{
			Bucket:         cfg.Bucket,
			Prefix:         cfg.Prefix,
			Region:         cfg.Region,
			Endpoint:       cfg.Endpoint,
			Profile:        cfg.Profile,
			ForcePathStyle: cfg.ForcePathStyle,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore open %s: %w", pt, err)
	}
	return New(p), nil
}
