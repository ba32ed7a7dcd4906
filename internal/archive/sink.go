package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/signalnine/batcheval/internal/evalerr"
	"github.com/signalnine/batcheval/internal/tabular"
)

// Sink stores named blobs.
type Sink interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
}

// Config selects and configures a sink.
type Config struct {
	Sink         string `yaml:"sink"`
	Codec        Codec  `yaml:"codec"`
	Dir          string `yaml:"dir"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	UseSSL       bool   `yaml:"use_ssl"`
}

// Validate checks the fields the selected sink needs.
func (c *Config) Validate() error {
	if c.Codec != "" && !c.Codec.valid() {
		return &evalerr.FieldError{Field: "archive.codec", Value: string(c.Codec), Reason: "must be zstd, lz4, or none"}
	}
	switch c.Sink {
	case "local", "":
		if c.Dir == "" {
			return &evalerr.FieldError{Field: "archive.dir", Reason: "required for the local sink"}
		}
	case "minio":
		if c.Endpoint == "" {
			return &evalerr.FieldError{Field: "archive.endpoint", Reason: "required for the minio sink"}
		}
		fallthrough
	case "s3":
		if c.Bucket == "" {
			return &evalerr.FieldError{Field: "archive.bucket", Reason: "required for " + c.Sink}
		}
	default:
		return &evalerr.FieldError{Field: "archive.sink", Value: c.Sink, Reason: "must be local, minio, or s3"}
	}
	return nil
}

// NewSink builds the sink described by c.
func NewSink(ctx context.Context, c Config) (Sink, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Sink {
	case "minio":
		client, err := minio.New(c.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(os.Getenv(c.AccessKeyEnv), os.Getenv(c.SecretKeyEnv), ""),
			Secure: c.UseSSL,
			Region: c.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("creating minio client: %w", err)
		}
		return NewMinioSink(client, c.Bucket, c.Prefix), nil
	case "s3":
		var opts []func(*awsconfig.LoadOptions) error
		if c.Region != "" {
			opts = append(opts, awsconfig.WithRegion(c.Region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("loading aws config: %w", err)
		}
		client := s3.NewFromConfig(cfg, func(o *s3.Options) {
			if c.Endpoint != "" {
				o.BaseEndpoint = aws.String(c.Endpoint)
				o.UsePathStyle = true
			}
		})
		return NewS3Sink(manager.NewUploader(client), c.Bucket, c.Prefix), nil
	default:
		return &LocalSink{Dir: c.Dir}, nil
	}
}

// LocalSink stores blobs as files under Dir.
type LocalSink struct {
	Dir string
}

func (s *LocalSink) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	return tabular.WriteAtomic(filepath.Join(s.Dir, filepath.FromSlash(key)), func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// ObjectPutter is the part of *minio.Client the sink uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioSink stores blobs in a MinIO or S3-compatible bucket.
type MinioSink struct {
	client ObjectPutter
	bucket string
	prefix string
}

func NewMinioSink(client ObjectPutter, bucket, prefix string) *MinioSink {
	return &MinioSink{client: client, bucket: bucket, prefix: prefix}
}

func (s *MinioSink) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, path.Join(s.prefix, key), r, size,
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return err
}

// Uploader is the part of *manager.Uploader the sink uses.
type Uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Sink stores blobs in an S3 bucket through the multipart upload manager.
type S3Sink struct {
	uploader Uploader
	bucket   string
	prefix   string
}

func NewS3Sink(uploader Uploader, bucket, prefix string) *S3Sink {
	return &S3Sink{uploader: uploader, bucket: bucket, prefix: prefix}
}

func (s *S3Sink) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path.Join(s.prefix, key)),
		Body:   r,
	})
	return err
}
