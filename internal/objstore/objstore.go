package objstore

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/metal-toolbox/bootsmith/internal/metrics"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrObjectNotFound = errors.New("object not found")

	errNoBucket = errors.New("no bucket name configured")
)

// Store is the object store surface the artifact ledger builds on.
type Store interface {
	// Ping verifies the bucket is reachable.
	Ping(ctx context.Context) error

	// Put uploads an object with the given metadata.
	Put(ctx context.Context, key string, content []byte, metadata map[string]string) error

	// Get downloads an object and its metadata, ErrObjectNotFound when absent.
	Get(ctx context.Context, key string) ([]byte, map[string]string, error)

	// Head reports whether an object exists.
	Head(ctx context.Context, key string) (bool, error)

	// List returns keys under a prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Copy duplicates an object within the bucket, metadata included.
	Copy(ctx context.Context, srcKey, dstKey string) error

	// Delete removes an object, a no-op when absent.
	Delete(ctx context.Context, key string) error
}

// Config holds the S3 compatible endpoint parameters.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Config struct {
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// s3Store implements Store against S3 or any S3 compatible service.
type s3Store struct {
	client *s3.S3
	bucket string
	prefix string
	logger *logrus.Entry
}

func NewS3Store(cfg *Config, logger *logrus.Entry) (Store, error) {
	if cfg.Bucket == "" {
		return nil, errNoBucket
	}

	awsCfg := aws.Config{Region: aws.String(cfg.Region)}

	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, errors.Wrap(err, "initializing object store session")
	}

	return &s3Store{
		client: s3.New(sess),
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

func (s *s3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}

	return path.Join(s.prefix, key)
}

func (s *s3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return errors.Wrap(model.ErrConnectivity, err.Error())
	}

	return nil
}

func (s *s3Store) Put(ctx context.Context, key string, content []byte, metadata map[string]string) error {
	meta := map[string]*string{}
	for k, v := range metadata {
		meta[k] = aws.String(v)
	}

	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.objectKey(key)),
		Body:     bytes.NewReader(content),
		Metadata: meta,
	})
	if err != nil {
		metrics.RemoteCallCounter.WithLabelValues("objstore", "put", "failed").Inc()
		return errors.Wrap(err, "uploading object "+key)
	}

	metrics.RemoteCallCounter.WithLabelValues("objstore", "put", "ok").Inc()

	s.logger.WithFields(logrus.Fields{"key": key, "size": len(content)}).Debug("object stored")

	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, map[string]string, error) {
	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, errors.Wrap(ErrObjectNotFound, key)
		}

		return nil, nil, errors.Wrap(err, "fetching object "+key)
	}

	defer result.Body.Close()

	content, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading object body "+key)
	}

	metadata := map[string]string{}
	for k, v := range result.Metadata {
		metadata[k] = aws.StringValue(v)
	}

	return content, metadata, nil
}

func (s *s3Store) Head(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}

		return false, errors.Wrap(err, "heading object "+key)
	}

	return true, nil
}

func (s *s3Store) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	}

	err := s.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, object := range page.Contents {
			key := aws.StringValue(object.Key)
			if s.prefix != "" {
				key = strings.TrimPrefix(key, s.prefix+"/")
			}

			keys = append(keys, key)
		}

		return true
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing objects under "+prefix)
	}

	return keys, nil
}

func (s *s3Store) Copy(ctx context.Context, srcKey, dstKey string) error {
	_, err := s.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(path.Join(s.bucket, s.objectKey(srcKey))),
		Key:        aws.String(s.objectKey(dstKey)),
	})
	if err != nil {
		if isNotFound(err) {
			return errors.Wrap(ErrObjectNotFound, srcKey)
		}

		return errors.Wrap(err, "copying object "+srcKey+" to "+dstKey)
	}

	return nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return errors.Wrap(err, "deleting object "+key)
	}

	return nil
}

func isNotFound(err error) bool {
	msg := err.Error()

	return strings.Contains(msg, "NoSuchKey") ||
		strings.Contains(msg, "NotFound") ||
		strings.Contains(msg, "404")
}
