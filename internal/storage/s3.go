package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	Key           string
	Secret        string
	UseSSL        bool
	PublicBaseURL string // optional: e.g. https://media.mosaiq.app for public read URLs
}

type Store struct {
	client        *s3.Client
	bucket        string
	publicBaseURL string
}

func NewS3(ctx context.Context, cfg S3Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, nil // mirroring optional; jobs keep provider URLs without it
	}
	scheme := "https"
	if !cfg.UseSSL {
		scheme = "http"
	}
	endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
	customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, opts ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{URL: endpoint}, nil
	})
	creds := credentials.NewStaticCredentialsProvider(cfg.Key, cfg.Secret, "")
	c, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(creds),
		config.WithEndpointResolverWithOptions(customResolver),
	)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(c, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return &Store{client: client, bucket: cfg.Bucket, publicBaseURL: strings.TrimSuffix(cfg.PublicBaseURL, "/")}, nil
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	if s == nil {
		return "", nil
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", err
	}
	return path.Join(s.bucket, key), nil
}

// HasPublicURL reports whether mirrored objects are publicly fetchable.
func (s *Store) HasPublicURL() bool {
	return s != nil && s.publicBaseURL != ""
}

// URL returns the public URL for a key, or "" when no PublicBaseURL is
// configured. A bare bucket key is not a fetchable URL, so callers must not
// substitute it for one.
func (s *Store) URL(key string) string {
	if s == nil || s.publicBaseURL == "" {
		return ""
	}
	return s.publicBaseURL + "/" + strings.TrimPrefix(key, "/")
}
