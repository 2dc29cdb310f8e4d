// Package r2 mirrors finished artifacts to Cloudflare R2 (or any S3
// compatible store) and hands out presigned links.
package r2

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// KeyPrefix namespaces mirrored objects inside the bucket.
const KeyPrefix = "artifacts/"

// Config holds configuration for the R2 client.
type Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	// Endpoint overrides the account endpoint, e.g. for another S3 service.
	Endpoint string
	Logger   *slog.Logger
}

// Client provides the mirror operations.
type Client struct {
	s3Client   *s3.Client
	presigner  *s3.PresignClient
	bucketName string
	log        *slog.Logger
}

// NewClient creates a new R2 client.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.BucketName == "" {
		return nil, fmt.Errorf("incomplete R2 configuration")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.AccountID == "" {
			return nil, fmt.Errorf("incomplete R2 configuration: account id or endpoint required")
		}
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		config.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("R2 mirror initialized", "bucket", cfg.BucketName, "endpoint", endpoint)

	return &Client{
		s3Client:   s3Client,
		presigner:  s3.NewPresignClient(s3Client),
		bucketName: cfg.BucketName,
		log:        log,
	}, nil
}

// ObjectKey returns the bucket key used for a job's artifact.
func ObjectKey(jobID, filename string) string {
	return KeyPrefix + jobID + "/" + filename
}

// Upload stores data under key.
func (c *Client) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to R2: %w", err)
	}

	c.log.Info("Artifact mirrored", "key", key, "size", len(data), "content_type", contentType)
	return nil
}

// PresignedURL returns a GET link for key valid for ttl.
func (c *Client) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	request, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	c.log.Debug("Generated presigned URL", "key", key, "expires_in", ttl)
	return request.URL, nil
}

// Delete deletes key from the bucket.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from R2: %w", err)
	}

	c.log.Debug("Mirrored artifact deleted", "key", key)
	return nil
}

// DeleteOlderThan removes mirrored artifacts older than age. Objects are
// normally deleted when their link is revoked; this catches leftovers from
// runs that exited early.
func (c *Client) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	output, err := c.s3Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucketName),
		Prefix: aws.String(KeyPrefix),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list objects: %w", err)
	}

	threshold := time.Now().Add(-age)
	deleted := 0
	for _, obj := range output.Contents {
		if obj.Key == nil || obj.LastModified == nil || !obj.LastModified.Before(threshold) {
			continue
		}
		if !strings.HasPrefix(*obj.Key, KeyPrefix) {
			continue
		}
		if err := c.Delete(ctx, *obj.Key); err != nil {
			c.log.Warn("Failed to delete stale mirror object", "key", *obj.Key, "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		c.log.Info("Deleted stale mirror objects", "count", deleted, "age", age)
	}
	return deleted, nil
}
