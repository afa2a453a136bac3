package objectstore

import (
	"context"
	"fmt"

	"photoingest/internal/models"
)

// New builds the backend named by cfg.Backend. baseURL and secret are only
// used by the in-memory backend, which serves its own presigned writes.
func New(ctx context.Context, cfg models.ObjectStoreConfig, baseURL string, secret []byte) (Store, error) {
	switch cfg.Backend {
	case "minio", "s3":
		return NewMinio(ctx, MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			UseSSL:    cfg.UseSSL,
			PublicURL: cfg.PublicURL,
		})
	case "gcs":
		return NewGCS(ctx, cfg.Bucket, cfg.CredentialsFile)
	case "memory", "":
		return NewMemory(baseURL, secret), nil
	default:
		return nil, fmt.Errorf("objectstore.New: unknown backend %q", cfg.Backend)
	}
}
