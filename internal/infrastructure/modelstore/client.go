// Package modelstore syncs model artifacts from S3-compatible object storage
// into a local directory before the worker starts taking jobs.
package modelstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	infraconfig "github.com/podworker/worker/internal/infrastructure/config"
)

// Object describes a single object in the model bucket
type Object struct {
	Key  string
	Size int64
}

// ObjectAPI is the subset of the S3 API the model store uses.
// It exists so tests can substitute a fake without a live bucket.
type ObjectAPI interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client wraps an S3-compatible bucket holding model artifacts.
// It works against any S3-compatible backend (AWS S3, RunPod storage, MinIO, etc.)
type Client struct {
	api      ObjectAPI
	bucket   string
	endpoint string
	logger   *zap.Logger
}

// ClientOption is a functional option for configuring Client
type ClientOption func(*Client)

// WithLogger sets a custom logger for the client
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithObjectAPI replaces the underlying S3 API implementation
func WithObjectAPI(api ObjectAPI) ClientOption {
	return func(c *Client) {
		c.api = api
	}
}

// NewClient creates a model store client from configuration
func NewClient(cfg *infraconfig.StorageConfig, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("storage configuration is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}
	if cfg.AccessKey == "" {
		return nil, errors.New("storage access key is required")
	}
	if cfg.SecretKey == "" {
		return nil, errors.New("storage secret key is required")
	}

	endpoint, err := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"", // session token (not used for static credentials)
		)),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		o.BaseEndpoint = aws.String(endpoint)
	})

	client := &Client{
		api:      api,
		bucket:   cfg.Bucket,
		endpoint: endpoint,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// normalizeEndpoint ensures the endpoint carries a scheme and parses as a URL
func normalizeEndpoint(endpoint string, useSSL bool) (string, error) {
	if endpoint == "" {
		endpoint = "http://localhost:9000" // MinIO default
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}

	if _, err := url.Parse(endpoint); err != nil {
		return "", fmt.Errorf("invalid storage endpoint: %w", err)
	}

	return endpoint, nil
}

// Bucket returns the bucket name
func (c *Client) Bucket() string {
	return c.bucket
}

// Endpoint returns the normalized endpoint URL
func (c *Client) Endpoint() string {
	return c.endpoint
}

// ListObjects returns every object in the bucket, following continuation tokens
func (c *Client) ListObjects(ctx context.Context) ([]Object, error) {
	var objects []Object

	input := &s3.ListObjectsV2Input{Bucket: aws.String(c.bucket)}
	for {
		out, err := c.api.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list bucket %q: %w", c.bucket, err)
		}

		for _, obj := range out.Contents {
			objects = append(objects, Object{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		input.ContinuationToken = out.NextContinuationToken
	}

	return objects, nil
}

// StatObject returns the size of an object, or ErrObjectNotFound
func (c *Client) StatObject(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, errors.New("object key is required")
	}

	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return 0, fmt.Errorf("failed to stat object %q: %w", key, err)
	}

	return aws.ToInt64(out.ContentLength), nil
}

// openObject opens a streaming reader for the object body
func (c *Client) openObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, 0, fmt.Errorf("failed to get object %q: %w", key, err)
	}

	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// isNotFound reports whether the error is a missing-object error.
// Some S3-compatible services report this inconsistently, so the string
// fallback mirrors what the SDK surfaces for them.
func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "NoSuchKey")
}
