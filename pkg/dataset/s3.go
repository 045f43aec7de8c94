package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/runsync/pkg/config"
	"github.com/ethpandaops/runsync/pkg/retry"
	"github.com/sirupsen/logrus"
)

// s3Store implements Store for S3-compatible storage. Remote names map to
// keys under the configured prefix.
type s3Store struct {
	log    logrus.FieldLogger
	cfg    *config.S3Config
	client *s3.Client
}

// Ensure interface compliance.
var _ Store = (*s3Store)(nil)

// NewS3Store creates a new S3 store from the given configuration.
func NewS3Store(log logrus.FieldLogger, cfg *config.S3Config) Store {
	return &s3Store{
		log:    log.WithField("component", "s3"),
		cfg:    cfg,
		client: newS3Client(cfg),
	}
}

func newS3Client(cfg *config.S3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}

// Upload implements Store. PutObject replaces the object atomically.
func (s *s3Store) Upload(ctx context.Context, localPath, remoteName string) error {
	f, err := os.Open(localPath) //nolint:gosec // path from local store
	if err != nil {
		return retry.Permanent(fmt.Errorf("opening file: %w", err))
	}
	defer func() { _ = f.Close() }()

	key := s.resolveKey(remoteName)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(detectContentType(localPath)),
	}

	if s.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.cfg.StorageClass)
	}

	s.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": s.cfg.Bucket,
	}).Debug("Uploading file")

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return classifyS3Error(fmt.Errorf("PutObject %q: %w", key, err))
	}

	return nil
}

// List implements Store. Only objects directly under the prefix are
// returned, named relative to it.
func (s *s3Store) List(ctx context.Context) ([]string, error) {
	prefix := s.keyPrefix()

	var names []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.cfg.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error(fmt.Errorf("listing objects under %q: %w", prefix, err))
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}

			name := strings.TrimPrefix(*obj.Key, prefix)
			if name != "" {
				names = append(names, name)
			}
		}
	}

	return names, nil
}

// Open implements Store.
func (s *s3Store) Open(ctx context.Context, remoteName string) (io.ReadCloser, error) {
	key := s.resolveKey(remoteName)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}

		return nil, classifyS3Error(fmt.Errorf("getting object %q: %w", key, err))
	}

	return out.Body, nil
}

// keyPrefix returns the configured prefix with exactly one trailing slash,
// or "" for the bucket root.
func (s *s3Store) keyPrefix() string {
	prefix := strings.Trim(s.cfg.Prefix, "/")
	if prefix == "" {
		return ""
	}

	return prefix + "/"
}

// resolveKey builds the object key of a remote file name.
func (s *s3Store) resolveKey(remoteName string) string {
	return s.keyPrefix() + strings.TrimLeft(remoteName, "/")
}

// detectContentType returns a MIME type based on file extension.
func detectContentType(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return "application/octet-stream"
	}

	if ext == ".tsv" {
		return "text/tab-separated-values"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}

// isS3NotFound returns true if the error indicates the object does not exist.
func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	// Some S3-compatible implementations return a generic error with
	// "NoSuchKey" in the message rather than the typed error.
	return strings.Contains(err.Error(), "NoSuchKey")
}

// classifyS3Error marks client errors other than throttling as permanent.
// The SDK has already retried throttling and server errors by then.
func classifyS3Error(err error) error {
	var re *awshttp.ResponseError
	if !errors.As(err, &re) {
		return err
	}

	code := re.HTTPStatusCode()
	if code >= 400 && code < 500 &&
		code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
		return retry.Permanent(err)
	}

	return err
}
