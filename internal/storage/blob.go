// Package storage holds the blob store used for article images.
package storage

//go:generate mockgen -source=blob.go -destination=mocks/blob_mock.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"

	"blog-cms/internal/metrics"
)

var ErrInvalidKey = errors.New("invalid blob key")

// BlobStore stores image bytes under a flat key space and serves them from a
// public URL.
type BlobStore interface {
	// Upload stores data under key, replacing any existing object, and returns the key.
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
	PublicURL(key string) string
	// KeyFromURL returns the key for a URL produced by PublicURL.
	KeyFromURL(url string) (string, bool)
	Delete(ctx context.Context, keys []string) error
}

// LocalStore keeps blobs in a gocloud bucket backed by a directory that the
// HTTP server exposes under publicURL.
type LocalStore struct {
	bucket    *blob.Bucket
	dir       string
	publicURL string
}

func NewLocalStore(dir, publicURL string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	// temp files stay in dir so the final rename never crosses filesystems
	bucket, err := fileblob.OpenBucket(dir, &fileblob.Options{CreateDir: true, NoTempDir: true})
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", dir, err)
	}
	return &LocalStore{
		bucket:    bucket,
		dir:       dir,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

func (s *LocalStore) Dir() string {
	return s.dir
}

func (s *LocalStore) Close() error {
	return s.bucket.Close()
}

func (s *LocalStore) Upload(ctx context.Context, key string, data []byte, contentType string) (_ string, err error) {
	defer func() {
		metrics.BlobOperations.WithLabelValues("upload", metrics.Status(err)).Inc()
	}()

	key, err = cleanKey(key)
	if err != nil {
		return "", err
	}
	if path.Ext(key) == "" {
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			key += exts[0]
		}
	}

	if err := s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("write blob %s: %w", key, err)
	}
	return key, nil
}

// Exists reports whether key is stored.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	key, err := cleanKey(key)
	if err != nil {
		return false, err
	}
	return s.bucket.Exists(ctx, key)
}

func (s *LocalStore) PublicURL(key string) string {
	return s.publicURL + "/" + key
}

func (s *LocalStore) KeyFromURL(url string) (string, bool) {
	key, ok := strings.CutPrefix(url, s.publicURL+"/")
	if !ok {
		return "", false
	}
	key, err := cleanKey(key)
	if err != nil {
		return "", false
	}
	return key, true
}

// Delete removes every key. Missing objects are not an error; other failures
// are joined so one bad key does not stop the rest.
func (s *LocalStore) Delete(ctx context.Context, keys []string) (err error) {
	defer func() {
		metrics.BlobOperations.WithLabelValues("delete", metrics.Status(err)).Inc()
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	var errs []error
	for _, key := range keys {
		clean, err := cleanKey(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if err := s.bucket.Delete(ctx, clean); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			errs = append(errs, fmt.Errorf("remove blob %s: %w", clean, err))
		}
	}
	return errors.Join(errs...)
}

// cleanKey rejects keys that would escape the flat key space.
func cleanKey(key string) (string, error) {
	if key == "" || key != path.Base(key) || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", ErrInvalidKey
	}
	return key, nil
}
