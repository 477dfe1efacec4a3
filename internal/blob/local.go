package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local keeps blobs on disk as <dir>/<folder>/<name>. The URL is that path.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		dir = "uploads"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &Local{dir: abs}, nil
}

func (l *Local) Save(_ context.Context, name string, data []byte, folder string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}

	target, err := l.resolve(filepath.Join(l.dir, folder, name))
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("failed to create folder: %w", err)
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}

	return target, nil
}

func (l *Local) Download(_ context.Context, url string) (string, []byte, error) {
	target, err := l.resolve(url)
	if err != nil {
		return "", nil, err
	}

	data, err := os.ReadFile(target)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to read blob: %w", err)
	}

	return filepath.Base(target), data, nil
}

// resolve rejects paths escaping the storage dir.
func (l *Local) resolve(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.dir, path)
	}
	path = filepath.Clean(path)

	rel, err := filepath.Rel(l.dir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidURL, path)
	}
	return path, nil
}
