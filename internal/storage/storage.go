// Package storage defines the keyed blob store consumed by the HTTP
// core and the backends that implement it. A key is an opaque string
// derived from a request path; a blob is the uploaded file's bytes.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned by Get when no blob is stored under the key.
var ErrNotFound = errors.New("storage: not found")

// FileStorage is a single logical keyed blob store. Implementations
// must be safe for concurrent use; concurrent puts to one key are
// last-writer-wins.
type FileStorage interface {
	// Put stores size bytes read from body under key, replacing any
	// previous blob. Nothing is committed when body fails or ends early.
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	// Get returns the blob stored under key or ErrNotFound. The caller
	// closes Blob.Body.
	Get(ctx context.Context, key string) (*Blob, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Blob is a stored file being streamed back to a caller.
type Blob struct {
	Key  string
	Size int64
	Body io.ReadCloser
}

// WriteError reports a failed Put.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("storage: write %q: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ReadError reports a failed Get other than a miss.
type ReadError struct {
	Key string
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("storage: read %q: %v", e.Key, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// readBlob reads exactly size bytes from body. Backends that persist
// a blob in one statement use it to buffer the upload; the read is
// bounded by the declared size.
func readBlob(body io.Reader, size int64) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative size %d", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(body, buf); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return buf, nil
}

// bytesBlob wraps an in-memory copy as a Blob.
func bytesBlob(key string, data []byte) *Blob {
	return &Blob{Key: key, Size: int64(len(data)), Body: io.NopCloser(bytes.NewReader(data))}
}
