// Package gcs stores workflow environments in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/davidthor/localflow/pkg/state/backend"
)

// Type is the registered backend type.
const Type = "gcs"

func init() {
	backend.Register(Type, NewBackend)
}

// Backend keeps blobs as objects in a single bucket.
type Backend struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	keys   backend.Keyspace
}

// NewBackend creates a GCS backend. Options:
//
//	bucket            bucket name (required)
//	prefix            object key prefix
//	credentials       path to a service account file
//	credentials_json  inline service account JSON
//	endpoint          emulator or private endpoint, disables authentication
func NewBackend(cfg map[string]string) (backend.Backend, error) {
	opts := backend.Options(cfg)
	bucket, err := opts.Require(Type, "bucket")
	if err != nil {
		return nil, err
	}

	var clientOpts []option.ClientOption
	if file := opts["credentials"]; file != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(file))
	}
	if raw := opts["credentials_json"]; raw != "" {
		clientOpts = append(clientOpts, option.WithCredentialsJSON([]byte(raw)))
	}
	if endpoint := opts["endpoint"]; endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(context.Background(), clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &Backend{
		client: client,
		bucket: client.Bucket(bucket),
		name:   bucket,
		keys:   backend.NewKeyspace(opts["prefix"]),
	}, nil
}

func (b *Backend) Type() string {
	return Type
}

func (b *Backend) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	key := b.keys.Key(p)
	reader, err := b.bucket.Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", b.url(key), err)
	}
	return reader, nil
}

// Write streams data into a new object generation.
func (b *Backend) Write(ctx context.Context, p string, data io.Reader) error {
	key := b.keys.Key(p)
	writer := b.bucket.Object(key).NewWriter(ctx)
	writer.ContentType = backend.ContentType

	if _, err := io.Copy(writer, data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write %s: %w", b.url(key), err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", b.url(key), err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, p string) error {
	key := b.keys.Key(p)
	err := b.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete %s: %w", b.url(key), err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context, dir string) ([]string, error) {
	it := b.bucket.Objects(ctx, &storage.Query{
		Prefix:     b.keys.ListPrefix(dir),
		Projection: storage.ProjectionNoACL,
	})

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list gs://%s: %w", b.name, err)
		}
		keys = append(keys, attrs.Name)
	}
	return b.keys.Collect(keys), nil
}

func (b *Backend) Exists(ctx context.Context, p string) (bool, error) {
	key := b.keys.Key(p)
	_, err := b.bucket.Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", b.url(key), err)
	}
	return true, nil
}

// Close releases the GCS client.
func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) url(key string) string {
	return "gs://" + b.name + "/" + key
}

var _ backend.Backend = (*Backend)(nil)
