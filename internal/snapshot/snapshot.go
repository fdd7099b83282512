// Package snapshot moves JSONL cache snapshots to and from S3. The JSONL
// format itself is written and read by the cache store.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/depot/pkg/types"
)

const (
	defaultRegion = "us-east-1"
	contentType   = "application/x-ndjson"
)

// ErrBucketRequired is returned when no bucket is configured.
var ErrBucketRequired = errors.New("s3 bucket required")

// Uploader puts and gets snapshot objects in one bucket.
type Uploader struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// Option configures an Uploader.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	credentials aws.CredentialsProvider
	httpClient  aws.HTTPClient
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStaticCredentials replaces the default AWS credential chain.
func WithStaticCredentials(accessKeyID, secretAccessKey string) Option {
	return func(o *options) {
		o.credentials = credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")
	}
}

// WithHTTPClient sets the HTTP client the S3 client uses.
func WithHTTPClient(c aws.HTTPClient) Option {
	return func(o *options) { o.httpClient = c }
}

// NewUploader builds an Uploader for cfg. An Endpoint selects an
// S3-compatible service such as MinIO.
func NewUploader(ctx context.Context, cfg types.S3Config, opts ...Option) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, ErrBucketRequired
	}
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if o.credentials != nil {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(o.credentials))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(so *s3.Options) {
		so.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			so.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if o.httpClient != nil {
			so.HTTPClient = o.httpClient
		}
	})
	return &Uploader{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, logger: o.logger}, nil
}

// Key names a snapshot taken at t under the configured prefix.
func (u *Uploader) Key(t time.Time) string {
	return path.Join(u.prefix, "depot-"+t.UTC().Format("20060102T150405Z")+".jsonl")
}

// UploadFile puts the file at localPath under key.
func (u *Uploader) UploadFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", u.bucket, key, err)
	}
	u.logger.Info("snapshot uploaded", zap.String("bucket", u.bucket), zap.String("key", key))
	return nil
}

// Download writes the object at key to w.
func (u *Uploader) Download(ctx context.Context, key string, w io.Writer) (int64, error) {
	out, err := u.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("downloading s3://%s/%s: %w", u.bucket, key, err)
	}
	defer out.Body.Close()
	n, err := io.Copy(w, out.Body)
	if err != nil {
		return n, fmt.Errorf("reading s3://%s/%s: %w", u.bucket, key, err)
	}
	return n, nil
}
