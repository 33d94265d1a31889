package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/cenkalti/backoff/v4"
	xerrors "github.com/soundmill/soundmill-api/errors"
	"github.com/soundmill/soundmill-api/metrics"
)

var uploadRetryStrategy = backoff.NewConstantBackOff(1 * time.Second)

// ObjectStore is the narrow surface the pipeline needs from the artifact
// store. URLs returned by Upload are opaque and used as artifact keys.
type ObjectStore interface {
	Exists(ctx context.Context, storedURL string) bool
	Download(ctx context.Context, storedURL string) (io.ReadCloser, error)
	Upload(ctx context.Context, localPath, key, contentType string) (string, error)
	Delete(ctx context.Context, storedURL string) error
}

// S3Store keeps artifacts in a single S3-compatible bucket and maps keys to
// public URLs under a configured base URL.
type S3Store struct {
	s3       *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	baseURL  *url.URL
}

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	BaseURL   *url.URL
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store bucket is required")
	}
	if cfg.BaseURL == nil {
		return nil, fmt.Errorf("object store base URL is required")
	}
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	if cfg.AccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("error creating S3 session: %w", err)
	}
	return &S3Store{
		s3:       s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.Bucket,
		baseURL:  cfg.BaseURL,
	}, nil
}

// KeyForURL maps a stored URL back to its bucket key. Returns false for URLs
// that don't live under our base URL.
func (s *S3Store) KeyForURL(storedURL string) (string, bool) {
	base := strings.TrimSuffix(s.baseURL.String(), "/") + "/"
	if !strings.HasPrefix(storedURL, base) {
		return "", false
	}
	return strings.TrimPrefix(storedURL, base), true
}

func (s *S3Store) urlForKey(key string) string {
	return strings.TrimSuffix(s.baseURL.String(), "/") + "/" + key
}

func (s *S3Store) Exists(ctx context.Context, storedURL string) bool {
	key, ok := s.KeyForURL(storedURL)
	if !ok {
		return false
	}
	_, err := s.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err == nil
}

func (s *S3Store) Download(ctx context.Context, storedURL string) (io.ReadCloser, error) {
	key, ok := s.KeyForURL(storedURL)
	if !ok {
		return nil, fmt.Errorf("URL %q is not in the object store", storedURL)
	}
	start := time.Now()
	out, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	metrics.MonitorObjectStoreOp(s.bucket, "download", start, 0, err)
	if err != nil {
		var awsErr awserr.RequestFailure
		if errors.As(err, &awsErr) && awsErr.StatusCode() == 404 {
			return nil, xerrors.NewObjectNotFoundError(fmt.Sprintf("object %q not in store", key), err)
		}
		return nil, fmt.Errorf("error downloading %q from object store: %w", key, err)
	}
	return out.Body, nil
}

// Upload stores a local file under key and returns its public URL. Transient
// failures are retried.
func (s *S3Store) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	uploadOperation := func() error {
		f, err := os.Open(localPath)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("error opening %q for upload: %w", localPath, err))
		}
		defer f.Close()

		_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        f,
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return fmt.Errorf("error uploading %q to object store: %w", key, err)
		}
		return nil
	}
	start := time.Now()
	retries := -1
	err := backoff.Retry(func() error {
		retries++
		return uploadOperation()
	}, backoff.WithMaxRetries(uploadRetryStrategy, 2))
	metrics.MonitorObjectStoreOp(s.bucket, "upload", start, retries, err)
	if err != nil {
		return "", err
	}
	return s.urlForKey(key), nil
}

func (s *S3Store) Delete(ctx context.Context, storedURL string) error {
	key, ok := s.KeyForURL(storedURL)
	if !ok {
		return fmt.Errorf("URL %q is not in the object store", storedURL)
	}
	start := time.Now()
	_, err := s.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	metrics.MonitorObjectStoreOp(s.bucket, "delete", start, 0, err)
	if err != nil {
		return fmt.Errorf("error deleting %q from object store: %w", key, err)
	}
	return nil
}
