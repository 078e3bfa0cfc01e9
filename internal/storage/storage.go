package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrTimeout marks a store operation that exceeded the caller's deadline.
	// Callers may retry with backoff.
	ErrTimeout = errors.New("store operation timed out")

	// ErrAlreadyExists is returned by Publish when the destination key is
	// already occupied. A concurrent writer won the race for that key.
	ErrAlreadyExists = errors.New("object already exists")
)

type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
	ETag     string
	Metadata map[string]string
}

// Storage is the pluggable data store the engine persists to. Implementations
// exist for the local filesystem, S3-compatible object storage, and SFTP.
type Storage interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, metadata map[string]string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Publish atomically moves src to dst so readers never observe a
	// half-written object. Fails with ErrAlreadyExists when dst is taken,
	// where the backend can express exclusivity.
	Publish(ctx context.Context, src, dst string) error
}

// asTimeout maps deadline expiry onto the retryable timeout sentinel.
func asTimeout(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
