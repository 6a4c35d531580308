package checkpoints

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/tsawler/go-hansik/logging"
)

// S3MirrorConfig locates the bucket that receives checkpoint copies.
type S3MirrorConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// ObjectPutter is the subset of the S3 client used by S3Mirror.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mirror uploads checkpoint files to an S3-compatible bucket.
type S3Mirror struct {
	client ObjectPutter
	bucket string
	prefix string
	log    *zap.Logger
}

// NewS3Mirror builds an S3 client from cfg. Static credentials are used when
// given, otherwise the default AWS credential chain applies. A custom
// endpoint switches to path-style addressing for MinIO and similar stores.
func NewS3Mirror(ctx context.Context, cfg S3MirrorConfig, log *zap.Logger) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("mirror bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
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

	return NewS3MirrorWithClient(client, cfg.Bucket, cfg.Prefix, log), nil
}

// NewS3MirrorWithClient wraps an existing client.
func NewS3MirrorWithClient(client ObjectPutter, bucket, prefix string, log *zap.Logger) *S3Mirror {
	return &S3Mirror{client: client, bucket: bucket, prefix: prefix, log: logging.OrNop(log)}
}

// Upload copies the file at localPath to <prefix>/<name>.
func (m *S3Mirror) Upload(ctx context.Context, localPath, name string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	key := path.Join(m.prefix, name)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentType:   aws.String("application/octet-stream"),
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	m.log.Info("checkpoint mirrored", zap.String("bucket", m.bucket), zap.String("key", key), zap.Int64("size", info.Size()))
	return nil
}
