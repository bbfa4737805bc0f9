// Package archive provides the backends completed daily event files are
// uploaded to.
package archive

import (
	"context"
	"fmt"

	"tm-go/internal/config"
	"tm-go/internal/tm"
)

// NewArchiveFromConfig creates the archive selected by the config type.
// It returns nil and no error when archiving is disabled.
func NewArchiveFromConfig(ctx context.Context, cfg config.ArchiveConfig) (tm.Archive, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryArchive(cfg.Name), nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem archive requires fs_root to be set")
		}
		a, err := NewFileSystemArchive(cfg.Name, cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return a, nil
	case "s3":
		a, err := NewS3Archive(ctx, cfg.Name, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown archive type: %s", cfg.Type)
	}
}
