package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidPath = errors.New("invalid file path")

// LocalFileStore implements FileStore using the local filesystem.
// Objects are served back by the API under baseURL.
type LocalFileStore struct {
	root    string
	baseURL string
}

func NewLocalFileStore(root, baseURL string) (*LocalFileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalFileStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *LocalFileStore) getPath(path string) (string, error) {
	local := filepath.FromSlash(path)
	if path == "" || !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return filepath.Join(s.root, local), nil
}

func (s *LocalFileStore) Save(ctx context.Context, path string, r io.Reader, mimeType string) error {
	target, err := s.getPath(path)
	if err != nil {
		return err
	}

	// Create parent directory
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Write to temporary file first
	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name()) // Clean up if rename fails
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Atomically rename
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

func (s *LocalFileStore) Delete(ctx context.Context, path string) error {
	target, err := s.getPath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

func (s *LocalFileStore) URL(ctx context.Context, path string) (string, error) {
	if _, err := s.getPath(path); err != nil {
		return "", err
	}
	return apiURL(s.baseURL, path), nil
}

// Open returns the stored object for serving.
func (s *LocalFileStore) Open(path string) (io.ReadSeekCloser, error) {
	target, err := s.getPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	return f, nil
}
