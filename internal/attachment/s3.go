package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/shineum/flymail/internal/email"
	"github.com/shineum/flymail/internal/metrics"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
var baseRetryDelay = 500 * time.Millisecond

// S3Config holds the configuration for creating an S3 store.
type S3Config struct {
	Region          string
	Bucket          string
	Prefix          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// ObjectAPI is the subset of the S3 client used by the store.
// Used for testing with mock implementations.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 stores attachments as objects in a bucket.
type S3 struct {
	bucket string
	prefix string
	client ObjectAPI
}

// NewS3 creates an S3 store with the given configuration. A custom endpoint
// switches to path-style addressing for S3-compatible servers.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3WithClient(cfg.Bucket, cfg.Prefix, client), nil
}

// NewS3WithClient creates an S3 store with a custom client, used for testing.
func NewS3WithClient(bucket, prefix string, client ObjectAPI) *S3 {
	return &S3{
		bucket: bucket,
		prefix: prefix,
		client: client,
	}
}

// Name returns the backend name.
func (s *S3) Name() string {
	return "s3"
}

// Put uploads r with If-None-Match: * so an existing object is never
// replaced. A precondition failure draws a new name; transient errors are
// retried with exponential backoff.
func (s *S3) Put(ctx context.Context, r io.Reader, filename, contentType string) (email.StoredAttachment, error) {
	h := newHasher()
	data, err := io.ReadAll(io.TeeReader(contextReader{ctx: ctx, r: r}, h))
	if err != nil {
		return email.StoredAttachment{}, fmt.Errorf("%w: read attachment: %v", ErrStorage, err)
	}
	sum := hexSum(h)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying S3 upload",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := sleepWithContext(ctx, backoffDelay(attempt)); err != nil {
				return email.StoredAttachment{}, fmt.Errorf("%w: context cancelled during retry wait: %v", ErrStorage, err)
			}
		}

		name := objectName(filename)
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.key(name)),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String(contentType),
			IfNoneMatch:   aws.String("*"),
			Metadata:      map[string]string{"blake3": sum},
		})
		if err == nil {
			metrics.AttachmentBytes.WithLabelValues(s.Name()).Add(float64(len(data)))
			return email.StoredAttachment{
				Filename:    filename,
				ContentType: contentType,
				Size:        int64(len(data)),
				Locator:     name,
				ContentHash: sum,
			}, nil
		}

		lastErr = err
		slog.Warn("S3 API error",
			"attempt", attempt,
			"key", s.key(name),
			"error", err,
		)
		if !retryable(err) {
			break
		}
	}

	return email.StoredAttachment{}, fmt.Errorf("%w: S3 upload failed: %v", ErrStorage, lastErr)
}

// Remove deletes the object behind locator.
func (s *S3) Remove(ctx context.Context, locator string) error {
	if !validLocator(locator) {
		return ErrInvalidLocator
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(locator)),
	})
	if err != nil {
		return fmt.Errorf("%w: S3 delete %s: %v", ErrStorage, locator, err)
	}
	return nil
}

func (s *S3) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// retryable reports whether err is worth another attempt. Throttling, server
// errors, name collisions and transport errors qualify; authorization and
// validation errors do not.
func retryable(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout", "ConditionalRequestConflict":
		return true
	default:
		return false
	}
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func backoffDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
