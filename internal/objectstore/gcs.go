package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCS stores objects in a Google Cloud Storage bucket. Credentials come from
// credentialsFile, or GOOGLE_APPLICATION_CREDENTIALS when it is empty, and
// must be able to sign URLs.
type GCS struct {
	client *storage.Client
	bucket string
}

var _ Store = (*GCS)(nil)

func NewGCS(ctx context.Context, bucket, credentialsFile string) (*GCS, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore.NewGCS: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) PresignPut(_ context.Context, key, contentType string, ttl time.Duration) (Target, error) {
	const op = "objectstore.GCS.PresignPut"

	expiresAt := time.Now().Add(ttl)
	u, err := g.client.Bucket(g.bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      http.MethodPut,
		ContentType: contentType,
		Expires:     expiresAt,
	})
	if err != nil {
		return Target{}, fmt.Errorf("%s: %w", op, err)
	}
	return Target{
		URL:       u,
		Method:    http.MethodPut,
		Headers:   map[string]string{"Content-Type": contentType},
		ExpiresAt: expiresAt,
	}, nil
}

func (g *GCS) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	const op = "objectstore.GCS.Stat"

	attrs, err := g.client.Bucket(g.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ObjectInfo{}, fmt.Errorf("%s: %w", op, ErrObjectNotFound)
		}
		return ObjectInfo{}, fmt.Errorf("%s: %w", op, err)
	}
	return ObjectInfo{Key: key, Size: attrs.Size, ContentType: attrs.ContentType, ETag: attrs.Etag}, nil
}

func (g *GCS) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	const op = "objectstore.GCS.Get"

	r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ObjectInfo{}, fmt.Errorf("%s: %w", op, ErrObjectNotFound)
		}
		return nil, ObjectInfo{}, fmt.Errorf("%s: %w", op, err)
	}
	return r, ObjectInfo{Key: key, Size: r.Attrs.Size, ContentType: r.Attrs.ContentType}, nil
}

func (g *GCS) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	const op = "objectstore.GCS.Put"

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		// cancelling before Close aborts the upload
		cancel()
		w.Close()
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	const op = "objectstore.GCS.Delete"

	err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (g *GCS) URL(key string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", g.bucket, key)
}
