package storage

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	apperrors "go-wanglab/internal/errors"
)

// AzureScheme is the URL scheme of blob references: azure://container/blob.
const AzureScheme = "azure"

// AzureStorage reads images from Azure Blob Storage.
type AzureStorage struct {
	client *azblob.Client
}

// NewAzureStorage connects to the account with a shared key.
func NewAzureStorage(accountName string, accountKey string) (*AzureStorage, error) {
	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, apperrors.NewInvalidConfigError("invalid azure storage credentials", err)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(
		fmt.Sprintf("https://%s.blob.core.windows.net", accountName),
		credential,
		nil,
	)
	if err != nil {
		return nil, apperrors.NewInvalidConfigError("failed to create azure blob client", err)
	}

	return &AzureStorage{client: client}, nil
}

// FetchImage downloads and decodes the blob named by blobURL.
func (s *AzureStorage) FetchImage(ctx context.Context, blobURL string) (image.Image, error) {
	containerName, blobName, err := parseBlobURL(blobURL)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("blob %s/%s not found", containerName, blobName), err)
		}
		return nil, apperrors.NewNetworkError("blob download failed", err)
	}
	defer resp.Body.Close()

	return decodeImage(resp.Body, blobURL)
}

// parseBlobURL accepts azure://container/path/to/blob and
// https://account.blob.core.windows.net/container/path/to/blob.
func parseBlobURL(blobURL string) (container, blob string, err error) {
	u, err := url.Parse(blobURL)
	if err != nil {
		return "", "", apperrors.NewValidationError("invalid blob URL", err)
	}

	switch u.Scheme {
	case AzureScheme:
		container, blob = u.Host, strings.TrimPrefix(u.Path, "/")
	case "https", "http":
		parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
		if len(parts) == 2 {
			container, blob = parts[0], parts[1]
		}
	default:
		return "", "", apperrors.NewValidationError(fmt.Sprintf("unsupported blob URL scheme %q", u.Scheme), nil)
	}

	if container == "" || blob == "" {
		return "", "", apperrors.NewValidationError("blob URL must name a container and a blob", nil)
	}
	return container, blob, nil
}
