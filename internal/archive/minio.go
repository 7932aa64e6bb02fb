// internal/archive/minio.go
package archive

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOUploader 는 S3 호환 self-hosted 저장소용 Uploader.
type MinIOUploader struct {
	mc     *minio.Client
	bucket string
}

func NewMinIO(endpoint, access, secret string, useTLS bool, bucket string) (*MinIOUploader, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, err
	}
	return &MinIOUploader{mc: mc, bucket: bucket}, nil
}

// EnsureBucket 은 bucket 이 없으면 만든다.
func (u *MinIOUploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.mc.BucketExists(ctx, u.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return u.mc.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{})
	}
	return nil
}

func (u *MinIOUploader) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	_, err := u.mc.PutObject(ctx, u.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:     "application/x-ndjson",
		ContentEncoding: "gzip",
	})
	return err
}
