package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver receives expired audit events before they are deleted from
// Postgres.
type Archiver interface {
	Archive(ctx context.Context, key string, data []byte, contentType string) error
}

// S3Config configures the S3 archive sink. Empty AccessKey/SecretKey
// falls back to the default AWS credential chain; Endpoint and
// UsePathStyle support MinIO.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// s3API is the slice of the S3 client the archiver calls.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Archiver uploads audit archives to one S3 bucket.
type S3Archiver struct {
	client s3API
	bucket string
}

// NewS3Archiver builds the AWS client and verifies the bucket is
// reachable, so a misconfigured archive fails at startup instead of at
// the first retention sweep.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	var awsCfg aws.Config
	var err error

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey,
				cfg.SecretKey,
				"",
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	archiver := &S3Archiver{client: client, bucket: cfg.Bucket}
	if err := archiver.HealthCheck(ctx); err != nil {
		return nil, err
	}

	return archiver, nil
}

// Archive uploads one archive object. The payload's SHA-256 rides along
// as object metadata so consumers can verify integrity.
func (a *S3Archiver) Archive(ctx context.Context, key string, data []byte, contentType string) error {
	hash := sha256.Sum256(data)
	checksum := hex.EncodeToString(hash[:])

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"checksum-sha256": checksum,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload audit archive: %w", err)
	}

	return nil
}

// HealthCheck verifies the bucket is reachable.
func (a *S3Archiver) HealthCheck(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err != nil {
		return fmt.Errorf("audit archive bucket check failed: %w", err)
	}

	return nil
}

// archiveKey builds the object key for one archive window, partitioned
// by year and month of the window end for cheap prefix listing.
func archiveKey(prefix string, start, end time.Time, compressed bool) string {
	name := fmt.Sprintf("audit-%s-%s.ndjson",
		start.UTC().Format("20060102T150405Z"),
		end.UTC().Format("20060102T150405Z"))
	if compressed {
		name += ".gz"
	}
	return fmt.Sprintf("%s/%04d/%02d/%s", prefix, end.UTC().Year(), int(end.UTC().Month()), name)
}

// gzipBytes compresses an archive payload.
func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
