// Package blob removes purged document artifacts from object storage.
// Documents may carry an artifact key referencing an uploaded source
// file (a scanned page, an imported attachment); purge is the only
// operation that touches it.
package blob

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArtifactStore deletes artifacts from a MinIO/S3 bucket.
type ArtifactStore struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and verifies the bucket exists.
func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*ArtifactStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", bucket)
	}

	return &ArtifactStore{client: client, bucket: bucket}, nil
}

// Remove deletes one artifact. Removing a key that is already gone is
// not an error.
func (s *ArtifactStore) Remove(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("remove artifact %s: %w", key, err)
	}
	return nil
}
