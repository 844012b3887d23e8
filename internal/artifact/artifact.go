// Package artifact stores generated images durably.
//
// Provider image URLs are short-lived, so the generate pipeline downloads
// each result and persists it through a Store. Two implementations exist:
// local filesystem storage for development and Cloudflare R2 (S3-compatible)
// for production.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Store defines durable storage for generated images. All methods are
// context-aware.
type Store interface {
	// Put stores the image bytes at key with the given content type.
	Put(ctx context.Context, key string, data io.Reader, contentType string) error

	// URL returns a URL the stored image can be fetched from. expires is
	// ignored by implementations that serve public URLs.
	URL(ctx context.Context, key string, expires time.Duration) (string, error)

	// Delete removes the image at key. Idempotent.
	Delete(ctx context.Context, key string) error
}

// MaxImageSize caps a downloaded provider image. Generated PNGs at 1024px
// stay well under this.
const MaxImageSize = 20 << 20

// Sentinel errors
var (
	// ErrNotFound is returned when a requested image doesn't exist.
	ErrNotFound = errors.New("image not found")

	// ErrInvalidKey is returned when a storage key is empty or attempts
	// path traversal.
	ErrInvalidKey = errors.New("invalid storage key")

	// ErrTooLarge is returned when an image exceeds MaxImageSize.
	ErrTooLarge = errors.New("image exceeds maximum size")
)

// StoreError wraps storage operation errors with the operation and key. It
// supports errors.Is against the sentinels above.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("artifact %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Provider names accepted by configuration.
const (
	ProviderLocal = "local"
	ProviderR2    = "r2"
)

// GenerationKey builds the storage key for a generation task's image,
// partitioned by month so bucket listings stay manageable.
// Format: generations/{yyyy}/{mm}/{taskID}.png
func GenerationKey(taskID uuid.UUID, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("generations/%04d/%02d/%s.png", t.Year(), t.Month(), taskID)
}
