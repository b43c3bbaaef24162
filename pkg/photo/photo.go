// Package photo defines storage for saved-car photos. Backends live in the
// fs and s3 subpackages.
package photo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Driver names a storage backend.
type Driver string

const (
	DriverFS Driver = "fs"
	DriverS3 Driver = "s3"
)

var (
	// ErrNotFound is returned when no photo is stored under a key.
	ErrNotFound = errors.New("photo not found")
	// ErrExists is returned by Put when the key is taken.
	ErrExists = errors.New("photo already exists")
)

// MaxSize bounds a single stored photo.
const MaxSize = 32 << 20

// Info describes a stored photo.
type Info struct {
	Key         string `json:"key"`
	Size        int64  `json:"size_bytes"`
	ContentType string `json:"content_type,omitempty"`
}

// Store keeps photo bytes under string keys.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Driver() Driver
}

// NewKey returns a fresh key for a photo in format ("jpeg", "png", ...).
func NewKey(format string) string {
	ext := strings.ToLower(format)
	if ext == "jpeg" {
		ext = "jpg"
	}
	if ext == "" {
		return "cars/" + uuid.NewString()
	}
	return "cars/" + uuid.NewString() + "." + ext
}

// CleanKey rejects empty, absolute and traversing keys and returns the
// normalized form.
func CleanKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid absolute key %q", key)
	}
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key %q contains '..'", key)
	}
	return path.Clean(key), nil
}

// ContentTypeFor guesses a MIME type from the key's extension.
func ContentTypeFor(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
