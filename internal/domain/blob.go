package domain

import (
	"context"
	"io"
	"time"
)

// Archiver writes swept terminal intents to cold storage and returns the
// object path.
type Archiver interface {
	ArchiveIntents(ctx context.Context, intents []TradeIntent, cutoff time.Time) (string, error)
}

// BlobInfo is one archived object.
type BlobInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// BlobWriter stores archive objects. Small objects go through Put; large
// exports are streamed with PutMultipart.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader serves archives back through the API.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}
