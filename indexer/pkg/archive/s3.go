package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

const (
	// DefaultRegion is the default AWS region for the archive bucket.
	DefaultRegion = "us-east-1"

	// DefaultPrefix is the key prefix telemetry payloads are archived under.
	DefaultPrefix = "telemetry"

	keyTimeLayout = "2006-01-02T15-04-05.000000000Z"
)

// ObjectPutter is the subset of the S3 client used to archive payloads.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3ArchiverConfig struct {
	Logger *slog.Logger
	Bucket string
	Prefix string

	// Client overrides the S3 client built from Region, EndpointURL and the static keys.
	Client ObjectPutter

	Region      string
	EndpointURL string // Optional custom endpoint, e.g. MinIO.

	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

func (cfg *S3ArchiverConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if (cfg.AccessKeyID == "") != (cfg.SecretAccessKey == "") {
		return errors.New("access key id and secret access key must be set together")
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	return nil
}

// S3Archiver stores raw telemetry payloads in S3, one object per fetch.
type S3Archiver struct {
	log    *slog.Logger
	client ObjectPutter
	bucket string
	prefix string
}

func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := cfg.Client
	if client == nil {
		opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
		if cfg.AccessKeyID != "" {
			opts = append(opts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
			))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		var clientOpts []func(*s3.Options)
		if cfg.EndpointURL != "" {
			clientOpts = append(clientOpts, func(o *s3.Options) {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
				o.UsePathStyle = true
			})
		}
		client = s3.NewFromConfig(awsCfg, clientOpts...)
	}

	return &S3Archiver{
		log:    cfg.Logger,
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Key returns the object key for payload id fetched at fetchedAt. Keys sort by fetch time;
// id keeps payloads fetched at the same instant apart.
func (a *S3Archiver) Key(fetchedAt time.Time, id string) string {
	t := fetchedAt.UTC()
	return path.Join(a.prefix, t.Format("2006/01/02"), t.Format(keyTimeLayout)+"_"+id+".json")
}

func (a *S3Archiver) Archive(ctx context.Context, payload []byte, fetchedAt time.Time) error {
	key := a.Key(fetchedAt, uuid.NewString())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	a.log.Debug("archive: stored payload", "bucket", a.bucket, "key", key, "bytes", len(payload))
	return nil
}
