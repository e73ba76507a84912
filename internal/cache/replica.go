package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Replica receives a copy of every stored entry.
type Replica interface {
	Put(ctx context.Context, key string, data []byte) error
}

// S3Replica mirrors cache entries into an S3 bucket under Prefix.
type S3Replica struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

// S3Options configures NewS3Client.
type S3Options struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Client builds an S3 client from the default AWS configuration chain.
// A custom endpoint switches to path-style addressing for S3-compatible
// servers. Static keys override the chain when both are set.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	}), nil
}

// NewS3Replica creates a replica writing to bucket. The prefix, if any, is
// normalized to end in "/".
func NewS3Replica(client *s3.Client, bucket, prefix string) *S3Replica {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Replica{Client: client, Bucket: bucket, Prefix: prefix}
}

func (r *S3Replica) objectKey(key string) string {
	return r.Prefix + strings.TrimPrefix(key, "/")
}

// Put uploads data under key.
func (r *S3Replica) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := r.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.Bucket),
		Key:           aws.String(r.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Get downloads the object stored under key, or ErrMissing.
func (r *S3Replica) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := r.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(r.objectKey(key)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noKey) || errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, key)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// Replicated writes through to a primary cache and then to a replica. The
// primary is authoritative: reads never touch the replica and replica
// failures are logged, not returned.
type Replicated struct {
	primary Cache
	replica Replica
	logger  *slog.Logger
}

// NewReplicated wraps primary so every Store is mirrored to replica.
func NewReplicated(primary Cache, replica Replica, logger *slog.Logger) *Replicated {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replicated{primary: primary, replica: replica, logger: logger}
}

func (r *Replicated) Store(ctx context.Context, key string, data []byte) error {
	if err := r.primary.Store(ctx, key, data); err != nil {
		return err
	}
	if err := r.replica.Put(ctx, key, data); err != nil {
		r.logger.WarnContext(ctx, "cache replica write failed", "key", key, "error", err)
	}
	return nil
}

func (r *Replicated) Load(ctx context.Context, key string) ([]byte, error) {
	return r.primary.Load(ctx, key)
}

func (r *Replicated) Stat(ctx context.Context, key string) (Info, error) {
	return r.primary.Stat(ctx, key)
}

func (r *Replicated) SetModTime(ctx context.Context, key string, t time.Time) error {
	return r.primary.SetModTime(ctx, key, t)
}

func (r *Replicated) Path(key string) (string, error) {
	return r.primary.Path(key)
}
