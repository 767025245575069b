package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	logx "threadcast/pkg/logx"
)

// S3Config configures S3 or an S3-compatible store (MinIO, R2).
type S3Config struct {
	Bucket        string
	Prefix        string
	Region        string // default: us-east-1
	Endpoint      string // custom endpoint; enables path-style addressing
	AccessKey     string // empty uses the default credential chain
	SecretKey     string
	PublicBaseURL string // public prefix objects are served from
}

// S3API is the subset of *s3.Client used here.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps media blobs in a bucket. URLs outside PublicBaseURL are read
// through the fallback HTTP store.
type S3Store struct {
	api      S3API
	cfg      S3Config
	fallback ObjectStore
	maxBytes int64
	log      logx.Logger
}

func NewS3Store(ctx context.Context, cfg S3Config, fallback ObjectStore, maxBytes int64, log logx.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	log.Info("s3 object store initialized",
		logx.String("bucket", cfg.Bucket),
		logx.String("prefix", cfg.Prefix),
		logx.String("region", cfg.Region),
		logx.String("endpoint", cfg.Endpoint),
	)
	return newS3Store(s3.NewFromConfig(awsCfg, s3Opts...), cfg, fallback, maxBytes, log), nil
}

func newS3Store(api S3API, cfg S3Config, fallback ObjectStore, maxBytes int64, log logx.Logger) *S3Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &S3Store{api: api, cfg: cfg, fallback: fallback, maxBytes: maxBytes, log: log}
}

func (s *S3Store) fullKey(key string) string {
	if s.cfg.Prefix == "" {
		return strings.TrimPrefix(key, "/")
	}
	return strings.TrimSuffix(s.cfg.Prefix, "/") + "/" + strings.TrimPrefix(key, "/")
}

func (s *S3Store) publicURL(fullKey string) string {
	base := strings.TrimSuffix(s.cfg.PublicBaseURL, "/")
	if base == "" {
		base = strings.TrimSuffix(s.cfg.Endpoint, "/") + "/" + s.cfg.Bucket
	}
	return base + "/" + fullKey
}

// keyFor maps a public URL back to an object key.
func (s *S3Store) keyFor(url string) (string, bool) {
	prefix := s.publicURL("")
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(url, prefix)
	return key, key != ""
}

func (s *S3Store) Put(ctx context.Context, key, contentType string, body []byte) (string, error) {
	if s.maxBytes > 0 && int64(len(body)) > s.maxBytes {
		return "", fmt.Errorf("%w (%d bytes)", ErrTooLarge, s.maxBytes)
	}
	full := s.fullKey(key)
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(full),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", full, err)
	}
	s.log.Debug("object stored", logx.String("key", full), logx.Int("bytes", len(body)))
	return s.publicURL(full), nil
}

func (s *S3Store) Get(ctx context.Context, url string) ([]byte, string, error) {
	key, ok := s.keyFor(url)
	if !ok {
		if s.fallback == nil {
			return nil, "", fmt.Errorf("url %s is outside bucket %s", url, s.cfg.Bucket)
		}
		return s.fallback.Get(ctx, url)
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	b, err := readLimited(out.Body, s.maxBytes)
	if err != nil {
		return nil, "", err
	}
	return b, contentTypeOf(aws.ToString(out.ContentType), b), nil
}
