package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/speculumoris/twitbot/common/config"
	"google.golang.org/api/option"
)

// GCSStorage implements StorageService on a single Google Cloud Storage bucket.
type GCSStorage struct {
	client *storage.Client
	config config.GCSConfig
}

var _ StorageService = (*GCSStorage)(nil)

func NewGCSStorage(ctx context.Context, cfg config.GCSConfig) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket not configured")
	}
	storageClient, err := storage.NewClient(ctx, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStorage{
		config: cfg,
		client: storageClient,
	}, nil
}

func (g *GCSStorage) Close() error {
	return g.client.Close()
}

func (g *GCSStorage) Upload(ctx context.Context, objectName string, content []byte, contentType string) (string, error) {
	return g.StreamUpload(ctx, objectName, bytes.NewReader(content), contentType)
}

func (g *GCSStorage) StreamUpload(ctx context.Context, objectName string, reader io.Reader, contentType string) (string, error) {
	wc := g.client.Bucket(g.config.Bucket).Object(objectName).NewWriter(ctx)
	wc.ContentType = contentType
	wc.CacheControl = "private, max-age=0"

	if _, err := io.Copy(wc, reader); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("failed to upload %s: %w", objectName, err)
	}

	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %w", err)
	}

	return objectName, nil
}
