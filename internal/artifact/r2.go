package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// R2Config holds configuration for Cloudflare R2 storage.
type R2Config struct {
	// AccountID is the Cloudflare account ID; the endpoint is derived
	// from it.
	AccountID string

	// AccessKeyID and SecretAccessKey are the R2 API credentials.
	AccessKeyID     string
	SecretAccessKey string

	// BucketName is the R2 bucket images are written to.
	BucketName string

	// PublicURL is an optional custom-domain URL for the bucket. When
	// set, URL returns permanent public links instead of presigned ones.
	PublicURL string

	// Region defaults to "auto", which is what R2 expects.
	Region string
}

// R2Store implements Store on Cloudflare R2 through the S3-compatible API.
type R2Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucketName    string
	publicURL     string
	logger        *slog.Logger
}

// NewR2Store builds the S3 client against the account's R2 endpoint.
func NewR2Store(cfg R2Config, logger *slog.Logger) (*R2Store, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)

	creds := credentials.NewStaticCredentialsProvider(
		cfg.AccessKeyID,
		cfg.SecretAccessKey,
		"", // R2 does not use session tokens
	)

	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:           endpoint,
				SigningRegion: region,
			}, nil
		},
	)

	client := s3.NewFromConfig(aws.Config{
		Region:                      region,
		Credentials:                 creds,
		EndpointResolverWithOptions: resolver,
	})

	logger.Info("initialized R2 artifact storage",
		"bucket", cfg.BucketName,
		"endpoint", endpoint,
	)

	return &R2Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucketName:    cfg.BucketName,
		publicURL:     strings.TrimSuffix(cfg.PublicURL, "/"),
		logger:        logger,
	}, nil
}

func (s *R2Store) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	if err := validateKey(key); err != nil {
		return &StoreError{Op: "Put", Key: key, Err: err}
	}

	result, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		Body:        io.LimitReader(data, MaxImageSize+1),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return &StoreError{Op: "Put", Key: key, Err: wrapS3Error(err)}
	}

	s.logger.Debug("stored image in R2",
		"key", key,
		"etag", aws.ToString(result.ETag),
	)
	return nil
}

// URL returns the public custom-domain link when one is configured and no
// expiry was requested, otherwise a presigned URL.
func (s *R2Store) URL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", &StoreError{Op: "URL", Key: key, Err: err}
	}

	if s.publicURL != "" && expires == 0 {
		return s.publicURL + "/" + key, nil
	}
	if expires == 0 {
		expires = 15 * time.Minute
	}

	request, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", &StoreError{Op: "URL", Key: key, Err: err}
	}
	return request.URL, nil
}

func (s *R2Store) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return &StoreError{Op: "Delete", Key: key, Err: err}
	}

	// S3 deletes are idempotent
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return &StoreError{Op: "Delete", Key: key, Err: wrapS3Error(err)}
	}
	return nil
}

func validateKey(key string) error {
	if key == "" || strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	return nil
}

// wrapS3Error maps S3 SDK errors onto the package sentinels.
func wrapS3Error(err error) error {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return ErrNotFound
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return ErrNotFound
		}
	}
	return fmt.Errorf("R2 operation failed: %w", err)
}
