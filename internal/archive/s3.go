package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the slice of the S3 client the archive uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Putter uploads archive blobs to one bucket.
type S3Putter struct {
	client S3API
	bucket string
}

// NewS3Putter builds an S3-backed blob sink.
func NewS3Putter(client S3API, bucket string) (*S3Putter, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &S3Putter{client: client, bucket: bucket}, nil
}

// Put implements BlobPutter.
func (p *S3Putter) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(p.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String(contentType),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("putting s3://%s/%s: %w", p.bucket, key, err)
	}
	return nil
}
