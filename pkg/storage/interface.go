package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// FileInfo describes a stored replay.
type FileInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Metadata travels with a stored object where the backend supports it.
type Metadata struct {
	ContentType string
	BroadcastID string
}

// Storage keeps recorded replays.
type Storage interface {
	// Write stores r under key. size is the content length, or -1.
	Write(ctx context.Context, key string, r io.Reader, size int64, meta Metadata) error

	// Read opens the content for key. The caller closes the reader.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]FileInfo, error)

	Exists(ctx context.Context, key string) (bool, error)

	// URL returns a download location for key, valid for at least expires
	// where the backend signs URLs.
	URL(ctx context.Context, key string, expires time.Duration) (string, error)
}

// Config selects and configures a storage backend.
type Config struct {
	Type  string      `mapstructure:"type"`
	Local LocalConfig `mapstructure:"local"`
	S3    S3Config    `mapstructure:"s3"`
}

// New creates the backend named by cfg.Type ("local" or "s3").
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Type {
	case "s3":
		return NewS3Storage(ctx, cfg.S3)
	case "local", "":
		return NewLocalStorage(cfg.Local)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
