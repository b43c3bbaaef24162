// Package fs stores photos as files under a root directory.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/japaniel/carvision/pkg/photo"
)

// Store implements photo.Store on the local filesystem. Keys map to relative
// file paths under root; content type is derived from the extension.
type Store struct {
	root string
}

// New returns a store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("photo root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create photo root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Driver() photo.Driver { return photo.DriverFS }

func (s *Store) pathFor(key string) (string, error) {
	k, err := photo.CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(k)), nil
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, contentType string) (photo.Info, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return photo.Info{}, err
	}
	if err := ctx.Err(); err != nil {
		return photo.Info{}, err
	}
	if _, err := os.Stat(p); err == nil {
		return photo.Info{}, fmt.Errorf("%w: %s", photo.ErrExists, key)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return photo.Info{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return photo.Info{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	size, err := io.Copy(tmp, io.LimitReader(r, photo.MaxSize+1))
	if err != nil {
		_ = tmp.Close()
		return photo.Info{}, fmt.Errorf("write photo: %w", err)
	}
	if size > photo.MaxSize {
		_ = tmp.Close()
		return photo.Info{}, fmt.Errorf("photo exceeds %d bytes", photo.MaxSize)
	}
	if err := tmp.Close(); err != nil {
		return photo.Info{}, err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return photo.Info{}, fmt.Errorf("store photo: %w", err)
	}
	if contentType == "" {
		contentType = photo.ContentTypeFor(key)
	}
	return photo.Info{Key: key, Size: size, ContentType: contentType}, nil
}

func (s *Store) Get(ctx context.Context, key string) (photo.Info, io.ReadCloser, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return photo.Info{}, nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return photo.Info{}, nil, fmt.Errorf("%w: %s", photo.ErrNotFound, key)
	}
	if err != nil {
		return photo.Info{}, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return photo.Info{}, nil, err
	}
	return photo.Info{Key: key, Size: st.Size(), ContentType: photo.ContentTypeFor(key)}, f, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", photo.ErrNotFound, key)
		}
		return err
	}
	return nil
}
