// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/openlistings/harvester/internal/pipeline"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// BlobStore mirrors payload artifacts into a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Put uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) Put(ctx context.Context, path, contentType string, data []byte) (string, error) {
	object := s.objectName(path)
	if object == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}

// Get downloads the object at path.
func (s *BlobStore) Get(ctx context.Context, path string) ([]byte, error) {
	object := s.objectName(path)
	reader, err := s.client.Bucket(s.bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("blob %s: %w", path, pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", object, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", object, err)
	}
	return data, nil
}

// List returns the object paths under prefix, relative to the store prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.objectName(prefix)})
	var paths []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		name := attrs.Name
		if s.prefix != "" {
			name = strings.TrimPrefix(name, s.prefix+"/")
		}
		paths = append(paths, name)
	}
	return paths, nil
}

// Delete removes the object at path.
func (s *BlobStore) Delete(ctx context.Context, path string) error {
	object := s.objectName(path)
	err := s.client.Bucket(s.bucket).Object(object).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("blob %s: %w", path, pipeline.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete object %s: %w", object, err)
	}
	return nil
}

func (s *BlobStore) objectName(path string) string {
	path = strings.Trim(path, "/")
	if s.prefix == "" {
		return path
	}
	if path == "" {
		return s.prefix
	}
	return s.prefix + "/" + path
}
