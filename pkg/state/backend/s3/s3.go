// Package s3 stores workflow environments in an S3 or S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/davidthor/localflow/pkg/state/backend"
)

// Type is the registered backend type.
const Type = "s3"

// DefaultRegion is used when no region is configured.
const DefaultRegion = "us-east-1"

func init() {
	backend.Register(Type, NewBackend)
}

// Backend keeps blobs as objects in a single bucket.
type Backend struct {
	client *s3.Client
	bucket string
	region string
	keys   backend.Keyspace
}

// NewBackend creates an S3 backend. Options:
//
//	bucket            bucket name (required)
//	region            defaults to us-east-1
//	prefix (or key)   object key prefix
//	access_key        static credentials, with secret_key
//	endpoint          MinIO, R2 or other S3-compatible endpoint
//	force_path_style  address the bucket in the path
func NewBackend(cfg map[string]string) (backend.Backend, error) {
	opts := backend.Options(cfg)
	bucket, err := opts.Require(Type, "bucket")
	if err != nil {
		return nil, err
	}
	region := opts.Get("region", DefaultRegion)

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKey := opts["access_key"]; accessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, opts["secret_key"], ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.Bool("force_path_style")
		if endpoint := opts["endpoint"]; endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		// S3-compatible stores do not all accept flexible checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &Backend{
		client: client,
		bucket: bucket,
		region: region,
		keys:   backend.NewKeyspace(opts.Get("prefix", opts["key"])),
	}, nil
}

func (b *Backend) Type() string {
	return Type
}

func (b *Backend) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	key := b.keys.Key(p)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", b.url(key), err)
	}
	return out.Body, nil
}

// Write buffers data so the request can be signed with its length.
func (b *Backend) Write(ctx context.Context, p string, data io.Reader) error {
	key := b.keys.Key(p)
	content, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("failed to read blob for %s: %w", b.url(key), err)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
		ContentType:   aws.String(backend.ContentType),
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", b.url(key), err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, p string) error {
	key := b.keys.Key(p)
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete %s: %w", b.url(key), err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context, dir string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.keys.ListPrefix(dir)),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s: %w", b.bucket, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return b.keys.Collect(keys), nil
}

func (b *Backend) Exists(ctx context.Context, p string) (bool, error) {
	key := b.keys.Key(p)
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", b.url(key), err)
	}
	return true, nil
}

func (b *Backend) url(key string) string {
	return "s3://" + b.bucket + "/" + key
}

// isNotFound reports whether err is a missing key. HEAD requests carry no
// body, so they surface as NotFound rather than NoSuchKey.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

var _ backend.Backend = (*Backend)(nil)
