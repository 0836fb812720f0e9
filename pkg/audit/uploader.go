package audit

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PackUploader ships evidence packs to an S3-compatible bucket. Packs
// are keyed by tenant and checksum, so re-uploading the same pack is a
// no-op.
type PackUploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// PackUploaderConfig holds the bucket settings.
type PackUploaderConfig struct {
	Bucket string
	Region string
	// Endpoint overrides the AWS endpoint (MinIO, LocalStack).
	Endpoint string
	Prefix   string
}

// NewPackUploader creates the uploader using ambient AWS credentials.
func NewPackUploader(ctx context.Context, cfg PackUploaderConfig) (*PackUploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("audit: upload bucket must not be empty")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("audit: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &PackUploader{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Upload stores a pack and returns its object key.
func (u *PackUploader) Upload(ctx context.Context, tenantID, checksum string, pack []byte) (string, error) {
	key := fmt.Sprintf("%s%s/%s/%s.zip", u.prefix, tenantID,
		time.Now().UTC().Format("2006-01-02"), checksum)

	// Same checksum means same bytes; skip the re-upload.
	if _, err := u.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return key, nil
	}

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(pack),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("audit: s3 put: %w", err)
	}
	return key, nil
}
