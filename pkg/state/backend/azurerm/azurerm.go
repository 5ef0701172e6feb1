// Package azurerm stores workflow environments in an Azure Blob Storage
// container.
package azurerm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/davidthor/localflow/pkg/state/backend"
)

// Type is the registered backend type.
const Type = "azurerm"

func init() {
	backend.Register(Type, NewBackend)
}

// Backend keeps blobs as block blobs in a single container.
type Backend struct {
	client        *azblob.Client
	containerName string
	keys          backend.Keyspace
}

// NewBackend creates an Azure Blob Storage backend. Options:
//
//	storage_account_name  account name (required)
//	container_name        container (required)
//	prefix (or key)       blob name prefix
//	endpoint              service URL override, e.g. Azurite
//	access_key | sas_token | connection_string
//
// Without explicit credentials the default Azure credential chain is used.
func NewBackend(cfg map[string]string) (backend.Backend, error) {
	opts := backend.Options(cfg)
	account, err := opts.Require(Type, "storage_account_name")
	if err != nil {
		return nil, err
	}
	containerName, err := opts.Require(Type, "container_name")
	if err != nil {
		return nil, err
	}

	client, err := newClient(opts, account)
	if err != nil {
		return nil, err
	}

	return &Backend{
		client:        client,
		containerName: containerName,
		keys:          backend.NewKeyspace(opts.Get("prefix", opts["key"])),
	}, nil
}

// newClient picks the first configured authentication method.
func newClient(opts backend.Options, account string) (*azblob.Client, error) {
	serviceURL := opts.Get("endpoint", fmt.Sprintf("https://%s.blob.core.windows.net/", account))

	switch {
	case opts["access_key"] != "":
		cred, err := azblob.NewSharedKeyCredential(account, opts["access_key"])
		if err != nil {
			return nil, fmt.Errorf("failed to create shared key credential: %w", err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client with shared key: %w", err)
		}
		return client, nil

	case opts["sas_token"] != "":
		sep := "?"
		if strings.Contains(serviceURL, "?") {
			sep = "&"
		}
		client, err := azblob.NewClientWithNoCredential(serviceURL+sep+strings.TrimPrefix(opts["sas_token"], "?"), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client with SAS token: %w", err)
		}
		return client, nil

	case opts["connection_string"] != "":
		client, err := azblob.NewClientFromConnectionString(opts["connection_string"], nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client from connection string: %w", err)
		}
		return client, nil

	default:
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create default Azure credential: %w", err)
		}
		client, err := azblob.NewClient(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client: %w", err)
		}
		return client, nil
	}
}

func (b *Backend) Type() string {
	return Type
}

func (b *Backend) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	name := b.keys.Key(p)
	resp, err := b.client.DownloadStream(ctx, b.containerName, name, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", b.url(name), err)
	}
	return resp.Body, nil
}

// Write uploads data as a block blob, replacing any existing blob.
func (b *Backend) Write(ctx context.Context, p string, data io.Reader) error {
	name := b.keys.Key(p)
	_, err := b.client.UploadStream(ctx, b.containerName, name, data, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr(backend.ContentType),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", b.url(name), err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, p string) error {
	name := b.keys.Key(p)
	_, err := b.client.DeleteBlob(ctx, b.containerName, name, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete %s: %w", b.url(name), err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context, dir string) ([]string, error) {
	pager := b.client.NewListBlobsFlatPager(b.containerName, &container.ListBlobsFlatOptions{
		Prefix: to.Ptr(b.keys.ListPrefix(dir)),
	})

	var names []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list azure://%s: %w", b.containerName, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	return b.keys.Collect(names), nil
}

func (b *Backend) Exists(ctx context.Context, p string) (bool, error) {
	name := b.keys.Key(p)
	blobClient := b.client.ServiceClient().NewContainerClient(b.containerName).NewBlobClient(name)
	if _, err := blobClient.GetProperties(ctx, nil); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", b.url(name), err)
	}
	return true, nil
}

func (b *Backend) url(name string) string {
	return "azure://" + b.containerName + "/" + name
}

// isNotFound reports whether err is a missing blob. Property requests carry
// no error body, so a bare 404 counts too.
func isNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

var _ backend.Backend = (*Backend)(nil)
