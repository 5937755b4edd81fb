package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"synthetic-data-orchestrator/internal/schema"
)

// S3Config holds the bucket settings for the S3 backend.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3Store keeps chunks and artifacts in an S3 bucket. PutObject is atomic,
// so a crash never leaves a partial object; chunk keys are checked before
// writing to keep accepted chunks immutable.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds the store, honoring a custom endpoint for S3-compatible
// services like MinIO.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: cfg.PathStyle,
					SigningRegion:     cfg.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	})
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// WriteChunk stores the chunk rows as JSONL unless the key already exists.
func (s *S3Store) WriteChunk(ctx context.Context, jobID string, index int, rows []schema.Row) error {
	key := chunkKey(jobID, index)
	if exists, err := s.exists(ctx, key); err != nil {
		return err
	} else if exists {
		return nil
	}

	body, err := encodeChunk(rows)
	if err != nil {
		return err
	}
	return s.put(ctx, key, body, "application/x-ndjson")
}

// ReadChunk loads the chunk rows, preserving stored order.
func (s *S3Store) ReadChunk(ctx context.Context, jobID string, index int) ([]schema.Row, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(chunkKey(jobID, index)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	defer out.Body.Close()
	return decodeChunk(out.Body)
}

// WriteArtifact stores the merged dataset and returns its key.
func (s *S3Store) WriteArtifact(ctx context.Context, jobID, format string, body []byte) (string, error) {
	key := artifactKey(jobID, format)
	if err := s.put(ctx, key, body, ContentType(format)); err != nil {
		return "", err
	}
	return key, nil
}

// OpenArtifact streams a previously written artifact.
func (s *S3Store) OpenArtifact(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return out.Body, nil
}

func (s *S3Store) put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (s *S3Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object: %w", err)
	}
	return true, nil
}

func isNoSuchKey(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
