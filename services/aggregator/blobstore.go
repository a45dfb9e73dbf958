package aggregator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"
)

// BlobStore keeps blocks extracted from result documents.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
}

type MinioBlobStore struct {
	client *minio.Client
	bucket string
}

func NewMinioBlobStore(client *minio.Client, bucket string) *MinioBlobStore {
	return &MinioBlobStore{client: client, bucket: bucket}
}

func (s *MinioBlobStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/sarif+json",
	})
	if err != nil {
		zap.L().Error("failed to upload blob", zap.String("bucket", s.bucket), zap.String("key", key), zap.Error(err))
	}
	return err
}

// FileBlobStore writes blobs below a local directory.
type FileBlobStore struct {
	dir string
}

func NewFileBlobStore(dir string) *FileBlobStore {
	return &FileBlobStore{dir: dir}
}

func (s *FileBlobStore) Put(_ context.Context, key string, data []byte) error {
	return writeFileAtomic(filepath.Join(s.dir, filepath.FromSlash(key)), data)
}

// writeFileAtomic writes through a temp file in the target directory so
// readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
