// Package s3 stores photos in an S3-compatible bucket (AWS S3 or MinIO).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/japaniel/carvision/pkg/photo"
)

// Config holds construction parameters.
type Config struct {
	Region          string
	Bucket          string
	Endpoint        string // optional; custom endpoint such as MinIO
	AccessKeyID     string // optional; default credential chain otherwise
	SecretAccessKey string
	PathStyle       bool
	// Prefix is prepended to every object key.
	Prefix string
	// HTTPClient overrides the SDK transport.
	HTTPClient *http.Client
}

// Store implements photo.Store over a single bucket.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// New creates a store from cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
	})
	return &Store{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *Store) Driver() photo.Driver { return photo.DriverS3 }

func (s *Store) objectKey(key string) (string, error) {
	k, err := photo.CleanKey(key)
	if err != nil {
		return "", err
	}
	if s.prefix == "" {
		return k, nil
	}
	return s.prefix + "/" + k, nil
}

func isNotFound(err error) bool {
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

func (s *Store) exists(ctx context.Context, objKey string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &objKey})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// Put uploads the photo. The body is buffered so the SDK can sign a
// seekable payload.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, contentType string) (photo.Info, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return photo.Info{}, err
	}
	data, err := io.ReadAll(io.LimitReader(r, photo.MaxSize+1))
	if err != nil {
		return photo.Info{}, fmt.Errorf("read photo: %w", err)
	}
	if len(data) > photo.MaxSize {
		return photo.Info{}, fmt.Errorf("photo exceeds %d bytes", photo.MaxSize)
	}
	ok, err := s.exists(ctx, objKey)
	if err != nil {
		return photo.Info{}, fmt.Errorf("head %s: %w", objKey, err)
	}
	if ok {
		return photo.Info{}, fmt.Errorf("%w: %s", photo.ErrExists, key)
	}
	if contentType == "" {
		contentType = photo.ContentTypeFor(key)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &objKey,
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return photo.Info{}, fmt.Errorf("put %s: %w", objKey, err)
	}
	return photo.Info{Key: key, Size: int64(len(data)), ContentType: contentType}, nil
}

func (s *Store) Get(ctx context.Context, key string) (photo.Info, io.ReadCloser, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return photo.Info{}, nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &objKey})
	if err != nil {
		if isNotFound(err) {
			return photo.Info{}, nil, fmt.Errorf("%w: %s", photo.ErrNotFound, key)
		}
		return photo.Info{}, nil, fmt.Errorf("get %s: %w", objKey, err)
	}
	info := photo.Info{Key: key, Size: aws.ToInt64(out.ContentLength), ContentType: aws.ToString(out.ContentType)}
	return info, out.Body, nil
}

// Delete removes the photo. S3 deletes are idempotent, so existence is
// checked first to report ErrNotFound.
func (s *Store) Delete(ctx context.Context, key string) error {
	objKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	ok, err := s.exists(ctx, objKey)
	if err != nil {
		return fmt.Errorf("head %s: %w", objKey, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", photo.ErrNotFound, key)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &objKey}); err != nil {
		return fmt.Errorf("delete %s: %w", objKey, err)
	}
	return nil
}
