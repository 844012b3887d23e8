package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalConfig holds configuration for filesystem storage.
type LocalConfig struct {
	// BasePath is the root directory images are written under.
	BasePath string

	// BaseURL is the public URL prefix the server serves BasePath at.
	BaseURL string
}

// LocalStore implements Store on the local filesystem. Development only.
type LocalStore struct {
	basePath string
	baseURL  string
	logger   *slog.Logger
}

// NewLocalStore creates the base directory if needed.
func NewLocalStore(cfg LocalConfig, logger *slog.Logger) (*LocalStore, error) {
	absPath, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("resolve base path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	logger.Info("initialized local artifact storage",
		"base_path", absPath,
	)

	return &LocalStore{
		basePath: absPath,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:   logger,
	}, nil
}

func (s *LocalStore) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	path, err := s.resolvePath(key)
	if err != nil {
		return &StoreError{Op: "Put", Key: key, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &StoreError{Op: "Put", Key: key, Err: err}
	}

	file, err := os.Create(path)
	if err != nil {
		return &StoreError{Op: "Put", Key: key, Err: err}
	}
	defer file.Close()

	written, err := io.Copy(file, io.LimitReader(data, MaxImageSize+1))
	if err != nil {
		os.Remove(path)
		return &StoreError{Op: "Put", Key: key, Err: err}
	}
	if written > MaxImageSize {
		os.Remove(path)
		return &StoreError{Op: "Put", Key: key, Err: ErrTooLarge}
	}

	s.logger.Debug("stored image", "key", key, "size", written)
	return nil
}

// URL ignores expires: local files are served publicly by the dev server.
func (s *LocalStore) URL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if _, err := s.resolvePath(key); err != nil {
		return "", &StoreError{Op: "URL", Key: key, Err: err}
	}
	return s.baseURL + "/" + key, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	path, err := s.resolvePath(key)
	if err != nil {
		return &StoreError{Op: "Delete", Key: key, Err: err}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &StoreError{Op: "Delete", Key: key, Err: err}
	}
	return nil
}

// resolvePath maps a key to an absolute path under basePath, rejecting
// traversal attempts.
func (s *LocalStore) resolvePath(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	clean := filepath.Clean(key)
	if strings.Contains(clean, "..") {
		return "", ErrInvalidKey
	}
	path := filepath.Join(s.basePath, clean)
	if !strings.HasPrefix(path, s.basePath) {
		return "", ErrInvalidKey
	}
	return path, nil
}
