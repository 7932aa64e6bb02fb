// internal/archive/s3.go
package archive

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Uploader 는 AWS S3 PutObject 기반 Uploader.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3 는 기본 credential chain 으로 client 를 만든다.
// SDK 자체 retry 는 0 으로 고정한다. 재시도 횟수는 Archiver 의 retry.Policy 만 따른다.
func NewS3(ctx context.Context, region, bucket string) (*S3Uploader, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	})
	return &S3Uploader{client: client, bucket: bucket}, nil
}

func (u *S3Uploader) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(key),
		Body:            body,
		ContentLength:   aws.Int64(size),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	return err
}
