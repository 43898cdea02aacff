// Package avatar hosts avatar images on S3-compatible object storage.
package avatar

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dukerupert/kinship/internal/metrics"
	"github.com/dukerupert/kinship/internal/model"
	"github.com/google/uuid"
)

// MaxSize is the largest accepted avatar in bytes.
const MaxSize = 5 << 20

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration. PublicURL is the
// base under which uploaded keys are served.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	PublicURL string
}

// UploadError is returned when the storage backend rejects an upload.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload avatar %s: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

type Option func(*Service)

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

type Service struct {
	client    s3Client
	bucket    string
	publicURL string
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// New returns a service for cfg. Without a bucket and credentials the
// service is not configured and Upload always fails.
func New(cfg S3Config, opts ...Option) *Service {
	s := &Service{
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		logger:    slog.Default(),
	}
	if cfg.Bucket != "" && cfg.AccessKey != "" && cfg.SecretKey != "" {
		s.client = newS3Client(cfg)
		if s.publicURL == "" && cfg.Endpoint != "" {
			s.publicURL = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Configured reports whether uploads can be made.
func (s *Service) Configured() bool {
	return s != nil && s.client != nil
}

// Upload stores data and returns its public URL. The content type is
// sniffed when contentType is empty.
func (s *Service) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if !s.Configured() {
		return "", fmt.Errorf("avatar storage not configured")
	}
	if len(data) == 0 {
		return "", &model.ValidationError{Field: "avatar", Message: "is empty"}
	}
	if len(data) > MaxSize {
		return "", &model.ValidationError{Field: "avatar", Message: fmt.Sprintf("must be at most %d MB", MaxSize>>20)}
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	contentType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	ext, ok := extensions[contentType]
	if !ok {
		return "", &model.ValidationError{Field: "avatar", Message: fmt.Sprintf("unsupported image type %q", contentType)}
	}

	key := "avatars/" + uuid.NewString() + ext
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		s.metrics.AvatarUpload("failed")
		return "", &UploadError{Key: key, Err: err}
	}
	s.metrics.AvatarUpload("uploaded")
	s.logger.Debug("avatar uploaded", "key", key, "bytes", len(data))
	return s.publicURL + "/" + key, nil
}
