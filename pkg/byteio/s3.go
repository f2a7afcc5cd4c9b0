package byteio

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Backend issues ranged GetObject calls, the same request shape as the
// teacher's S3ClipStorage.ReadFile.
type s3Backend struct {
	svc    *s3.Client
	bucket string
	key    string
}

// openS3 parses an "s3://bucket/key" URL and builds a client from either
// the AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY env vars (static
// credentials, region from AWS_REGION) or, when either is unset, the
// default AWS credential chain — matching NewS3ClipStorage/getAWSConfig.
func openS3(ctx context.Context, url string) (Backend, error) {
	rest := strings.TrimPrefix(url, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid s3 url %q, want s3://bucket/key", url)
	}

	cfg, err := awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &s3Backend{
		svc:    s3.NewFromConfig(cfg),
		bucket: parts[0],
		key:    parts[1],
	}, nil
}

func awsConfig(ctx context.Context) (aws.Config, error) {
	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
	region := os.Getenv("AWS_REGION")

	if accessKey == "" || secretKey == "" {
		return config.LoadDefaultConfig(ctx, config.WithRegion(region))
	}
	provider := credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
	return config.LoadDefaultConfig(ctx, config.WithRegion(region), config.WithCredentialsProvider(provider))
}

func (b *s3Backend) Size(ctx context.Context) (int64, error) {
	out, err := b.svc.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		return 0, err
	}
	if out.ContentLength == nil {
		return 0, fmt.Errorf("s3 object %s/%s has no content length", b.bucket, b.key)
	}
	return *out.ContentLength, nil
}

func (b *s3Backend) FetchRange(ctx context.Context, offset, length int64) ([]byte, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	out, err := b.svc.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (b *s3Backend) Close() error { return nil }
