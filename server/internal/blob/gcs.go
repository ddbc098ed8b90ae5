package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCS stores objects in a Cloud Storage bucket. Credentials come from the
// environment (Application Default Credentials).
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS opens a Cloud Storage client for bucket.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: gcs client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// Put uploads data to gs://bucket/key.
func (g *GCS) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("blob: gcs put %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("blob: gcs put %q: %w", key, err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, key), nil
}

// Get downloads the object stored under key.
func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob: gcs get %q: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blob: gcs read %q: %w", key, err)
	}
	return data, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error { return g.client.Close() }
