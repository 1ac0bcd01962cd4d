// utils/r2.go
package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archive stores finished matchmaking tickets in an S3-compatible bucket
// (AWS S3 or Cloudflare R2 through ArchiveEndpoint).
type Archive struct {
	client *s3.Client
	bucket string
}

// NewArchive returns nil when no bucket is configured; archiving is optional.
func NewArchive(ctx context.Context, cfg Config) (*Archive, error) {
	if cfg.ArchiveBucket == "" {
		return nil, nil
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.AWSRegion),
		config.WithHTTPClient(HTTPClient),
	}
	if cfg.ArchiveKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.ArchiveKeyID, cfg.ArchiveKeySecret, "",
		)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveEndpoint)
			o.UsePathStyle = true
		}
	})
	return &Archive{client: client, bucket: cfg.ArchiveBucket}, nil
}

// PutJSON writes v as a JSON object under key.
func (a *Archive) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode archive object: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}
