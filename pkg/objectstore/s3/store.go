// Package s3 implements the object store connector over any S3-compatible
// endpoint using the AWS SDK.
package s3

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nearlinedata/nlds/pkg/objectstore"
)

// Config describes one tenancy endpoint.
type Config struct {
	// Tenancy is the object store endpoint host, e.g. "cedadev-o.s3.example".
	Tenancy string `mapstructure:"tenancy"`
	// RequireSecure enforces TLS certificate verification against the
	// tenancy endpoint.
	RequireSecure bool `mapstructure:"require_secure_fl"`
	Region        string `mapstructure:"region"`
}

// Connector creates per-message S3 sessions for a tenancy.
type Connector struct {
	cfg Config
}

// NewConnector returns a connector for the configured tenancy.
func NewConnector(cfg Config) *Connector {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &Connector{cfg: cfg}
}

// Tenancy returns the endpoint namespace.
func (c *Connector) Tenancy() string { return c.cfg.Tenancy }

// Connect builds an S3 client with the caller's static credentials.
func (c *Connector) Connect(ctx context.Context, creds objectstore.Credentials) (objectstore.Store, error) {
	if creds.AccessKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("object store credentials missing for tenancy %s", c.cfg.Tenancy)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(c.cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKey, creds.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build object store config: %w", err)
	}

	endpoint := c.cfg.Tenancy
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}

	httpClient := &http.Client{}
	if !c.cfg.RequireSecure {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
		o.HTTPClient = httpClient
	})
	return &store{client: client}, nil
}

type store struct {
	client *s3.Client
}

func (s *store) EnsureBucket(ctx context.Context, bucket string) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}

func (s *store) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, objectstore.ObjectInfo{}, objectstore.ErrNotFound
		}
		return nil, objectstore.ObjectInfo{}, fmt.Errorf("failed to get %s/%s: %w", bucket, key, err)
	}
	return out.Body, objectstore.ObjectInfo{Size: aws.ToInt64(out.ContentLength)}, nil
}

func (s *store) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return objectstore.ObjectInfo{}, objectstore.ErrNotFound
		}
		return objectstore.ObjectInfo{}, fmt.Errorf("failed to stat %s/%s: %w", bucket, key, err)
	}
	return objectstore.ObjectInfo{Size: aws.ToInt64(out.ContentLength)}, nil
}

func (s *store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nsb *types.NoSuchBucket
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nsb) || errors.As(err, &nf)
}
