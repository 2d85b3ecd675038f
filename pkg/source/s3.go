package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sievert/avatarcache/pkg/errors"
)

// S3Source fetches avatar bytes from S3 objects addressed as
// s3://<bucket>/<key>. Buckets holding avatars are public, so the client is
// built with anonymous credentials.
type S3Source struct {
	client *s3.Client
}

// NewS3Source creates an S3 source for the given region.
func NewS3Source(ctx context.Context, region string) (*S3Source, error) {
	slog.Info("s3_source_init", "region", region)

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &S3Source{client: s3.NewFromConfig(cfg)}, nil
}

// Fetch streams the object behind an s3:// URL.
func (s *S3Source) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	bucket, key, err := splitObjectURL(rawURL)
	if err != nil {
		return nil, err
	}

	slog.Info("s3_fetch_start", "bucket", bucket, "key", key)

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "bucket", bucket, "key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}

	return result.Body, nil
}

// splitObjectURL splits s3://bucket/key into its parts.
func splitObjectURL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", errors.Wrap(err, "unparseable S3 URL")
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3 URL: %q", rawURL)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 URL missing object key: %q", rawURL)
	}
	return u.Host, key, nil
}
