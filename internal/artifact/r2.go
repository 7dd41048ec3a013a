package artifact

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/eztheme/builder/internal/config"
)

// Mirror copies finished archives to object storage and signs download URLs.
type Mirror interface {
	Publish(ctx context.Context, locator, path string) error
	SignedURL(ctx context.Context, locator string) (string, error)
}

// R2Mirror implements Mirror for Cloudflare R2
type R2Mirror struct {
	s3Client   *s3.Client
	presigner  *s3.PresignClient
	bucketName string
	expiry     time.Duration
}

// NewR2Mirror creates a mirror, or returns nil when R2 is not configured
func NewR2Mirror(cfg *config.R2Config, expiry time.Duration) (*R2Mirror, error) {
	if cfg.AccountID == "" && cfg.AccessKeyID == "" && cfg.SecretAccessKey == "" {
		return nil, nil
	}
	if cfg.AccountID == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.BucketName == "" {
		return nil, fmt.Errorf("R2 configuration incomplete")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &R2Mirror{
		s3Client:   s3Client,
		presigner:  s3.NewPresignClient(s3Client),
		bucketName: cfg.BucketName,
		expiry:     expiry,
	}, nil
}

func objectKey(locator string) string {
	return "builds/" + locator
}

// Publish uploads the archive at path under builds/<locator>
func (m *R2Mirror) Publish(ctx context.Context, locator, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	_, err = m.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucketName),
		Key:           aws.String(objectKey(locator)),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to R2: %w", err)
	}
	return nil
}

// SignedURL generates a presigned download URL for a mirrored archive
func (m *R2Mirror) SignedURL(ctx context.Context, locator string) (string, error) {
	input := &s3.GetObjectInput{
		Bucket:                     aws.String(m.bucketName),
		Key:                        aws.String(objectKey(locator)),
		ResponseContentDisposition: aws.String(fmt.Sprintf(`attachment; filename="%s"`, DownloadName(locator))),
	}

	req, err := m.presigner.PresignGetObject(ctx, input, s3.WithPresignExpires(m.expiry))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return req.URL, nil
}

// DownloadName is the file name offered to users for an archive.
func DownloadName(locator string) string {
	return "ez-theme-" + locator
}
