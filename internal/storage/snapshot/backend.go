package snapshot

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
)

// Backend stores named checkpoint blobs.
type Backend interface {
	// Put stores data under name, replacing nothing visible until it
	// is complete.
	Put(ctx context.Context, name string, data []byte) error
	// Get returns the blob, or ErrCheckpointNotFound.
	Get(ctx context.Context, name string) ([]byte, error)
	// List returns every stored name, in any order.
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
	// Location describes the backend for logs.
	Location() string
}

// OpenBackend resolves a location: a filesystem path, a file:// URL or
// azblob://container/prefix.
func OpenBackend(location string) (Backend, error) {
	if location == "" {
		return nil, fmt.Errorf("checkpoint: location is required")
	}
	if !strings.Contains(location, "://") {
		return NewLocalBackend(location)
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: parse location: %w", err)
	}
	switch u.Scheme {
	case "file":
		return NewLocalBackend(u.Path)
	case "azblob":
		return OpenAzureBackend(u.Host, strings.Trim(u.Path, "/"))
	}
	return nil, fmt.Errorf("checkpoint: unsupported location scheme %q", u.Scheme)
}

// LocalBackend keeps checkpoints as files in one directory.
type LocalBackend struct {
	dir string
}

// NewLocalBackend creates dir if needed.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint: dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	return &LocalBackend{dir: dir}, nil
}

// Location implements Backend.
func (b *LocalBackend) Location() string { return b.dir }

// Put writes to a temporary file, syncs it and renames it into place.
func (b *LocalBackend) Put(_ context.Context, name string, data []byte) error {
	final := filepath.Join(b.dir, name)
	tmp, err := os.CreateTemp(b.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	if d, err := os.Open(b.dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Get implements Backend.
func (b *LocalBackend) Get(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, name))
	if os.IsNotExist(err) {
		return nil, domain.ErrCheckpointNotFound.WithDetails(name)
	}
	return data, err
}

// List implements Backend.
func (b *LocalBackend) List(context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Delete implements Backend.
func (b *LocalBackend) Delete(_ context.Context, name string) error {
	err := os.Remove(filepath.Join(b.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
