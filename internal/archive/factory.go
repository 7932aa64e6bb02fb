// internal/archive/factory.go
package archive

import (
	"context"
	"fmt"

	"sp-emitter/internal/config"
	"sp-emitter/internal/retry"

	"github.com/rs/zerolog"
)

// FromConfig 는 SP_ARCHIVE_BACKEND 에 맞는 Archiver 를 만든다.
// backend 가 none 이면 (nil, nil).
func FromConfig(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Archiver, error) {
	var (
		up  Uploader
		err error
	)

	switch cfg.ArchiveBackend {
	case "", config.ArchiveNone:
		return nil, nil
	case config.ArchiveS3:
		up, err = NewS3(ctx, cfg.AWSRegion, cfg.ArchiveBucket)
	case config.ArchiveMinIO:
		var mu *MinIOUploader
		mu, err = NewMinIO(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOTLS, cfg.ArchiveBucket)
		if err == nil {
			err = mu.EnsureBucket(ctx)
		}
		up = mu
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.ArchiveBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("archive backend %s: %w", cfg.ArchiveBackend, err)
	}

	return New(up, Options{
		Prefix:  cfg.ArchivePrefix,
		Timeout: cfg.ArchiveTimeout,
		Policy: retry.Policy{
			MaxAttempts: cfg.ArchiveRetries,
			BaseBackoff: cfg.BackoffBase,
		},
		Logger: log,
	}), nil
}
