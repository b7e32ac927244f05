package groundedsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3StoreConfig configures the S3 snapshot store.
type S3StoreConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles, instance
	// profiles, or environment variables over setting these directly.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`         // Key prefix for all objects
	UsePathStyle    bool   `yaml:"use_path_style"` // Use path-style addressing

	// MaxRetries for S3 operations. Default: 3.
	MaxRetries int `yaml:"max_retries"`
}

// S3SnapshotStore stores snapshots in S3 or an S3-compatible service,
// used when multiple devices share a workspace through object storage.
type S3SnapshotStore struct {
	client *s3.Client
	config S3StoreConfig
}

// NewS3SnapshotStore creates an S3-backed snapshot store.
func NewS3SnapshotStore(ctx context.Context, cfg S3StoreConfig) (*S3SnapshotStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3SnapshotStore{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
	}, nil
}

func (s *S3SnapshotStore) key(workspace string) string {
	return s.config.Prefix + workspace + ".snapshot"
}

// Save writes the workspace snapshot object. Duplicate saves of the same
// payload overwrite with identical content, which is safe.
func (s *S3SnapshotStore) Save(ctx context.Context, workspace string, snapshot []byte) error {
	return retryDo(ctx, s.config.MaxRetries, BackoffConfig{Base: 100 * time.Millisecond}, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(s.key(workspace)),
			Body:   bytes.NewReader(snapshot),
		})
		if err != nil {
			return fmt.Errorf("S3 put object: %w", err)
		}
		return nil
	})
}

// Fetch reads the workspace snapshot object if it exists.
func (s *S3SnapshotStore) Fetch(ctx context.Context, workspace string) ([]byte, bool, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.key(workspace)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("S3 get object: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("S3 read body: %w", err)
	}
	return data, true, nil
}

// Close is a no-op; the S3 client holds no long-lived resources.
func (s *S3SnapshotStore) Close() error {
	return nil
}
