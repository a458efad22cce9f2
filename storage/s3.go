package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/ruteri/content-sync/common"
	"github.com/ruteri/content-sync/interfaces"
	"go.uber.org/atomic"
)

// S3Store implements a key-value medium using Amazon S3 or compatible services.
// Paths are stored as object keys below an optional prefix.
type S3Store struct {
	client      s3iface.S3API
	bucketName  string
	prefix      string
	closed      atomic.Bool
	log         *slog.Logger
	locationURI string
}

// NewS3Store creates a new S3 store. Static credentials are used when both
// accessKey and secretKey are set; otherwise the default AWS credential chain applies.
func NewS3Store(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Store, error) {
	log = common.LoggerOrDefault(log)

	// Format the URI for tracking, never exposing the secret
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if accessKey != "" {
		uri = fmt.Sprintf("s3://%s:***@%s/%s?region=%s", accessKey, bucketName, prefix, region)
	}
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	} else {
		log.Debug("No static S3 credentials provided, using default credential chain")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return newS3StoreWithClient(s3.New(sess), bucketName, prefix, log, uri), nil
}

func newS3StoreWithClient(client s3iface.S3API, bucketName, prefix string, log *slog.Logger, uri string) *S3Store {
	return &S3Store{
		client:      client,
		bucketName:  bucketName,
		prefix:      strings.Trim(prefix, "/"),
		log:         common.LoggerOrDefault(log),
		locationURI: uri,
	}
}

func (s *S3Store) Write(ctx context.Context, p string, data []byte) error {
	if s.closed.Load() {
		return interfaces.ErrStorageUnavailable
	}
	if err := validatePath(p); err != nil {
		return err
	}

	start := time.Now()
	key := s.getObjectKey(p)
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		s.log.Error("Failed to upload object to S3",
			slog.String("bucket", s.bucketName),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("%w: failed to upload object to S3: %v", interfaces.ErrStorageUnavailable, err)
	}

	s.log.Debug("Stored content in S3",
		slog.String("bucket", s.bucketName),
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Read retrieves an object from S3. Returns ErrNotFound if the object doesn't exist.
func (s *S3Store) Read(ctx context.Context, p string) ([]byte, error) {
	if s.closed.Load() {
		return nil, interfaces.ErrStorageUnavailable
	}

	key := s.getObjectKey(p)
	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, p)
		}
		return nil, fmt.Errorf("%w: failed to get object from S3: %v", interfaces.ErrStorageUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

func (s *S3Store) Exists(ctx context.Context, p string) (bool, error) {
	if s.closed.Load() {
		return false, interfaces.ErrStorageUnavailable
	}

	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.getObjectKey(p)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: failed to head object: %v", interfaces.ErrStorageUnavailable, err)
	}
	return true, nil
}

// Delete removes the object. S3 deletes of missing keys succeed.
func (s *S3Store) Delete(ctx context.Context, p string) error {
	if s.closed.Load() {
		return interfaces.ErrStorageUnavailable
	}

	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.getObjectKey(p)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("%w: failed to delete object: %v", interfaces.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, interfaces.ErrStorageUnavailable
	}

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
	}
	keyPrefix := ""
	if s.prefix != "" {
		keyPrefix = s.prefix + "/"
		input.Prefix = aws.String(keyPrefix)
	}

	var paths []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			paths = append(paths, strings.TrimPrefix(aws.StringValue(obj.Key), keyPrefix))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list objects: %v", interfaces.ErrStorageUnavailable, err)
	}
	return paths, nil
}

// Name returns a unique identifier for this store.
func (s *S3Store) Name() string {
	return fmt.Sprintf("s3-%s", s.bucketName)
}

// LocationURI returns the URI that identifies this store.
func (s *S3Store) LocationURI() string {
	return s.locationURI
}

func (s *S3Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *S3Store) getObjectKey(p string) string {
	if s.prefix == "" {
		return p
	}
	return s.prefix + "/" + p
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == 404 {
		return true
	}
	return false
}
