package storage

import (
	"context"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	apperrors "github.com/GriffinCanCode/good-listener/backend/recorder/internal/errors"
)

// S3Config addresses an S3-compatible bucket.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// S3Store puts objects into one bucket through minio-go.
type S3Store struct {
	client *minio.Client
	bucket string
}

// NewS3Store builds the client. It does not touch the network.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeConfigInvalid, "s3 client for %s", cfg.Endpoint)
	}
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it is missing.
func (s *S3Store) EnsureBucket(ctx context.Context, region string) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classify(err, "check bucket")
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return classify(err, "create bucket")
	}
	return nil
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, obj Object) error {
	_, err := s.client.PutObject(ctx, s.bucket, obj.Key, obj.Body, obj.Size, minio.PutObjectOptions{
		ContentType:  obj.ContentType,
		UserMetadata: obj.Metadata,
	})
	if err != nil {
		return classify(err, "put "+obj.Key)
	}
	return nil
}

// Exists implements Store.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, classify(err, "stat "+key)
}

// classify maps S3 error codes onto retryable and permanent failures.
func classify(err error, msg string) error {
	switch minio.ToErrorResponse(err).Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccountProblem":
		return apperrors.Wrap(err, apperrors.CodeStorageRejected, msg)
	case "NoSuchBucket", "InvalidBucketName":
		return apperrors.Wrap(err, apperrors.CodeInvalidArgument, msg)
	case "NoSuchKey":
		return apperrors.Wrap(err, apperrors.CodeNotFound, msg)
	default:
		return apperrors.Wrap(err, apperrors.CodeUnavailable, msg)
	}
}
