package server

import (
	"context"
	"os"
	"path/filepath"
)

// BlobStore holds message ciphertext, keyed by message id. Metadata and
// statuses live in Storage.
type BlobStore interface {
	Save(ctx context.Context, id string, content []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

// LocalBlobStore implements BlobStore using the local filesystem.
type LocalBlobStore struct {
	BaseDir string
}

func NewLocalBlobStore(baseDir string) *LocalBlobStore {
	return &LocalBlobStore{BaseDir: filepath.Join(baseDir, "blobs")}
}

func (s *LocalBlobStore) path(id string) string {
	return filepath.Join(s.BaseDir, filepath.Base(id)+".bin")
}

func (s *LocalBlobStore) Save(_ context.Context, id string, content []byte) error {
	if err := os.MkdirAll(s.BaseDir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path(id), content, 0o600)
}

func (s *LocalBlobStore) Get(_ context.Context, id string) ([]byte, error) {
	return os.ReadFile(s.path(id))
}

func (s *LocalBlobStore) Delete(_ context.Context, id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
