package objsink

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rzbill/csvsync/internal/remote"
)

// MinioPutter is the subset of *minio.Client used by MinIO.
type MinioPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinIO pushes batches to a MinIO or other S3-compatible server.
type MinIO struct {
	client MinioPutter
	bucket string
	prefix string
}

var _ remote.Pusher = (*MinIO)(nil)

// NewMinIO wraps an existing client.
func NewMinIO(client MinioPutter, bucket, prefix string) (*MinIO, error) {
	if err := checkBucket(bucket); err != nil {
		return nil, err
	}
	return &MinIO{client: client, bucket: bucket, prefix: prefix}, nil
}

// DialMinIO builds a client for endpoint with static credentials.
func DialMinIO(endpoint, accessKey, secretKey string, secure bool, bucket, prefix string) (*MinIO, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("objsink: minio client: %w", err)
	}
	return NewMinIO(client, bucket, prefix)
}

// Push uploads b as one object.
func (m *MinIO) Push(ctx context.Context, b remote.Batch) (int64, error) {
	if err := b.Validate(); err != nil {
		return 0, err
	}
	body := Body(b)
	key := ObjectKey(m.prefix, b)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:  "text/csv",
		UserMetadata: map[string]string{"node": b.Node, "idempotency-key": b.IdempotencyKey()},
	})
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	return b.Last(), nil
}
