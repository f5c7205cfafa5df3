package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	azStorageBlob "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/datatrails/go-datatrails-common/azblob"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
)

const azblobBlobNotFound = "BlobNotFound"

// BlobStore is the subset of *azblob.Storer used by AzureBackend.
type BlobStore interface {
	Reader(ctx context.Context, identity string, opts ...azblob.Option) (*azblob.ReaderResponse, error)
	Put(ctx context.Context, identity string, source io.ReadSeekCloser, opts ...azblob.Option) (*azblob.WriteResponse, error)
	List(ctx context.Context, opts ...azblob.Option) (*azblob.ListerResponse, error)
	Delete(ctx context.Context, identity string) error
}

// AzureBackend keeps checkpoints as blobs below a prefix of one
// container.
type AzureBackend struct {
	store     BlobStore
	container string
	prefix    string
}

// OpenAzureBackend connects to container. With AZURITE_ACCOUNT_NAME set
// it uses the storage emulator configured from the environment;
// otherwise it authenticates with the managed identity of
// AZURE_STORAGE_ACCOUNT in AZURE_RESOURCE_GROUP/AZURE_SUBSCRIPTION_ID.
func OpenAzureBackend(container, prefix string) (*AzureBackend, error) {
	if container == "" {
		return nil, fmt.Errorf("checkpoint: azblob location needs a container")
	}
	var (
		store *azblob.Storer
		err   error
	)
	if os.Getenv("AZURITE_ACCOUNT_NAME") != "" {
		store, err = azblob.NewDev(azblob.NewDevConfigFromEnv(), container)
	} else {
		store, err = azblob.New(
			os.Getenv("AZURE_STORAGE_ACCOUNT"),
			os.Getenv("AZURE_RESOURCE_GROUP"),
			os.Getenv("AZURE_SUBSCRIPTION_ID"),
			container,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: connect to container %s: %w", container, err)
	}
	return NewAzureBackend(store, container, prefix), nil
}

// NewAzureBackend wraps an existing store.
func NewAzureBackend(store BlobStore, container, prefix string) *AzureBackend {
	return &AzureBackend{store: store, container: container, prefix: strings.Trim(prefix, "/")}
}

// Location implements Backend.
func (b *AzureBackend) Location() string {
	return "azblob://" + path.Join(b.container, b.prefix)
}

func (b *AzureBackend) blobPath(name string) string {
	if b.prefix == "" {
		return name
	}
	return b.prefix + "/" + name
}

// Put implements Backend. Blob uploads are atomic.
func (b *AzureBackend) Put(ctx context.Context, name string, data []byte) error {
	if _, err := b.store.Put(ctx, b.blobPath(name), azblob.NewBytesReaderCloser(data)); err != nil {
		return fmt.Errorf("checkpoint: upload %s: %w", name, err)
	}
	return nil
}

// Get implements Backend.
func (b *AzureBackend) Get(ctx context.Context, name string) ([]byte, error) {
	rr, err := b.store.Reader(ctx, b.blobPath(name))
	if err != nil {
		if isBlobNotFound(err) {
			return nil, domain.ErrCheckpointNotFound.WithCause(err).WithDetails(name)
		}
		return nil, fmt.Errorf("checkpoint: download %s: %w", name, err)
	}
	defer rr.Reader.Close()
	data, err := io.ReadAll(rr.Reader)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: download %s: %w", name, err)
	}
	return data, nil
}

// List implements Backend, following continuation markers.
func (b *AzureBackend) List(ctx context.Context) ([]string, error) {
	listPrefix := ""
	if b.prefix != "" {
		listPrefix = b.prefix + "/"
	}
	var (
		names  []string
		marker azblob.ListMarker
	)
	for {
		r, err := b.store.List(ctx, azblob.WithListPrefix(listPrefix), azblob.WithListMarker(marker))
		if err != nil {
			return nil, fmt.Errorf("checkpoint: list %s: %w", b.Location(), err)
		}
		for _, it := range r.Items {
			if it == nil || it.Name == nil {
				continue
			}
			name := strings.TrimPrefix(*it.Name, listPrefix)
			if name != "" && !strings.Contains(name, "/") {
				names = append(names, name)
			}
		}
		if r.Marker == nil || *r.Marker == "" {
			return names, nil
		}
		marker = r.Marker
	}
}

// Delete implements Backend.
func (b *AzureBackend) Delete(ctx context.Context, name string) error {
	err := b.store.Delete(ctx, b.blobPath(name))
	if err != nil && !isBlobNotFound(err) {
		return fmt.Errorf("checkpoint: delete %s: %w", name, err)
	}
	return nil
}

func asStorageError(err error) (azStorageBlob.StorageError, bool) {
	var ierr *azStorageBlob.InternalError
	if !errors.As(err, &ierr) || ierr == nil {
		return azStorageBlob.StorageError{}, false
	}
	serr := &azStorageBlob.StorageError{}
	if !ierr.As(&serr) {
		return azStorageBlob.StorageError{}, false
	}
	return *serr, true
}

func isBlobNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrCheckpointNotFound) {
		return true
	}
	serr, ok := asStorageError(err)
	return ok && serr.ErrorCode == azblobBlobNotFound
}
