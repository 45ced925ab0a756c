// filestore.go - Content storage on MinIO: a flat keyspace with one object
// per file identifier, keyed by the id's lowercase hex form.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BlobStore is the byte-level storage consumed by the file record service.
type BlobStore interface {
	// Put streams r into the object named by id and returns the number of
	// bytes actually written.
	Put(ctx context.Context, id FileID, r io.Reader) (int64, error)
	// Get opens the object named by id. A missing object returns
	// (nil, nil), not an error.
	Get(ctx context.Context, id FileID) (io.ReadCloser, error)
	// Remove permanently deletes the object named by id.
	Remove(ctx context.Context, id FileID) error
}

// FileStore keeps file contents in a MinIO bucket.
type FileStore struct {
	client *minio.Client
	bucket string
}

// NewFileStore wraps an existing MinIO client and bucket.
func NewFileStore(client *minio.Client, bucket string) *FileStore {
	return &FileStore{client: client, bucket: bucket}
}

// Put writes the stream to the store. The returned size is what was actually
// written, never a client-claimed length; callers must persist this value.
func (s *FileStore) Put(ctx context.Context, id FileID, r io.Reader) (int64, error) {
	info, err := s.client.PutObject(ctx, s.bucket, id.String(), r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return 0, fmt.Errorf("store object %s: %w", id, err)
	}
	return info.Size, nil
}

// Get opens the object for reading. Missing objects yield (nil, nil).
func (s *FileStore) Get(ctx context.Context, id FileID) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, id.String(), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", id, err)
	}

	// GetObject is lazy; Stat forces the existence check now.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("stat object %s: %w", id, err)
	}
	return obj, nil
}

// Remove permanently deletes the object.
func (s *FileStore) Remove(ctx context.Context, id FileID) error {
	if err := s.client.RemoveObject(ctx, s.bucket, id.String(), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", id, err)
	}
	return nil
}

// NewMinIOClient connects to the object store described by the config and
// verifies the bucket exists.
func NewMinIOClient(ctx context.Context, cfg Config) (*minio.Client, error) {
	endpoint, secure, err := normalizeEndpoint(cfg.S3Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, cfg.S3Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("bucket does not exist: %s", cfg.S3Bucket)
	}
	return client, nil
}

// normalizeEndpoint accepts either "minio:9000" or a URL form and returns
// the host plus whether TLS should be used.
func normalizeEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, errors.New("empty object store endpoint")
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, errors.New("invalid object store endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, errors.New("object store endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	// No scheme, treat as host:port (insecure by default for local MinIO).
	return raw, false, nil
}
