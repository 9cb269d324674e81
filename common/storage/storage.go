package storage

import (
	"context"
	"io"
)

// StorageService stores debug artifacts such as page screenshots.
type StorageService interface {
	// Upload stores content under objectName and returns the object name.
	Upload(ctx context.Context, objectName string, content []byte, contentType string) (string, error)

	// StreamUpload uploads from a reader.
	StreamUpload(ctx context.Context, objectName string, reader io.Reader, contentType string) (string, error)
}
