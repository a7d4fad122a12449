// Package azure implements the Azure Blob Storage backend. Objects are block
// blobs in a single container, authenticated with the account's shared key.
package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/emetrics/emetrics-backend/internal/config"
	"github.com/emetrics/emetrics-backend/internal/storage"
)

func init() {
	storage.Register("azure", func(cfg *config.ArchiveConfig) (storage.Storage, error) {
		return New(&cfg.Azure)
	})
}

// AzureStorage implements storage.Storage for Azure Blob Storage.
type AzureStorage struct {
	client        *azblob.Client
	containerName string
}

// New creates the backend.
func New(cfg *config.AzureStorageConfig) (*AzureStorage, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return &AzureStorage{client: client, containerName: cfg.ContainerName}, nil
}

func (s *AzureStorage) blob(key string) *blob.Client {
	return s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(key)
}

// Put uploads a block blob with its SHA256 stored in the blob metadata.
func (s *AzureStorage) Put(ctx context.Context, key string, r io.Reader) (*storage.Object, error) {
	data, sum, err := storage.Buffer(r)
	if err != nil {
		return nil, err
	}

	blobClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlockBlobClient(key)
	_, err = blobClient.Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), &blockblob.UploadOptions{
		Metadata: map[string]*string{"sha256": &sum},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}

	return &storage.Object{Key: key, Size: int64(len(data)), Checksum: sum}, nil
}

// Get downloads the blob.
func (s *AzureStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.blob(key).DownloadStream(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to download from Azure Blob: %w", err)
	}
	return resp.Body, nil
}

// Delete removes the blob.
func (s *AzureStorage) Delete(ctx context.Context, key string) error {
	if _, err := s.blob(key).Delete(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete from Azure Blob: %w", err)
	}
	return nil
}

// Exists fetches the blob properties.
func (s *AzureStorage) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := s.blob(key).GetProperties(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get blob properties: %w", err)
	}
	return true, nil
}
