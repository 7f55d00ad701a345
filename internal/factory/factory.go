package factory

import (
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"go-wanglab/internal/cache"
	"go-wanglab/internal/config"
	apperrors "go-wanglab/internal/errors"
	"go-wanglab/internal/model"
	"go-wanglab/internal/storage"
)

// StorageType represents different types of image sources
type StorageType string

const (
	// HTTPStorage for HTTP-based image fetching
	HTTPStorage StorageType = "http"
	// AzureStorage for Azure blob storage
	AzureStorage StorageType = "azure"
	// LocalStorage for local file system
	LocalStorage StorageType = "local"
)

// fetchBurst is the token bucket size for the HTTP rate limiter.
const fetchBurst = 4

// cachePrefix namespaces feature records inside a shared bucket.
const cachePrefix = "features"

// ModelFactory creates models from declarative specs
type ModelFactory interface {
	CreateModel(spec model.Spec) (model.Model, error)
	Kinds() []string
}

// StorageFactory creates image sources
type StorageFactory interface {
	CreateStorage(storageType StorageType) (storage.ImageFetcher, error)
	// Sources returns every configured source keyed by URL scheme.
	Sources() (map[string]storage.ImageFetcher, error)
}

// CacheFactory creates the feature cache
type CacheFactory interface {
	CreateCache() (*cache.Cache, error)
}

// modelFactory implements ModelFactory
type modelFactory struct{}

// NewModelFactory creates a new model factory
func NewModelFactory() ModelFactory {
	return &modelFactory{}
}

// CreateModel builds a model of spec.Kind
func (f *modelFactory) CreateModel(spec model.Spec) (model.Model, error) {
	return model.New(spec)
}

// Kinds lists the model kinds CreateModel understands
func (f *modelFactory) Kinds() []string {
	return model.Kinds()
}

// storageFactory implements StorageFactory
type storageFactory struct {
	cfg *config.Config
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory(cfg *config.Config) StorageFactory {
	return &storageFactory{cfg: cfg}
}

// CreateStorage creates a storage implementation based on the specified type
func (f *storageFactory) CreateStorage(storageType StorageType) (storage.ImageFetcher, error) {
	switch storageType {
	case HTTPStorage:
		return storage.NewHTTPImageFetcher(
			storage.WithTimeout(f.cfg.ImageFetchTimeout),
			storage.WithRateLimit(f.cfg.FetchRateLimit, fetchBurst),
		), nil
	case AzureStorage:
		if f.cfg.AzureStorageAccount == "" {
			return nil, apperrors.NewInvalidConfigError("azure storage is not configured", nil)
		}
		return storage.NewAzureStorage(f.cfg.AzureStorageAccount, f.cfg.AzureStorageKey)
	case LocalStorage:
		if f.cfg.LocalImageRoot == "" {
			return nil, apperrors.NewInvalidConfigError("local image root is not configured", nil)
		}
		return storage.NewLocalStorage(f.cfg.LocalImageRoot)
	default:
		return nil, apperrors.NewInvalidConfigError(fmt.Sprintf("unsupported storage type: %s", storageType), nil)
	}
}

// Sources builds HTTP always, plus Azure and local when configured.
func (f *storageFactory) Sources() (map[string]storage.ImageFetcher, error) {
	web, err := f.CreateStorage(HTTPStorage)
	if err != nil {
		return nil, err
	}
	sources := map[string]storage.ImageFetcher{"http": web, "https": web}

	if f.cfg.AzureStorageAccount != "" {
		blob, err := f.CreateStorage(AzureStorage)
		if err != nil {
			return nil, err
		}
		sources[storage.AzureScheme] = blob
	}
	if f.cfg.LocalImageRoot != "" {
		local, err := f.CreateStorage(LocalStorage)
		if err != nil {
			return nil, err
		}
		sources["file"] = local
	}
	return sources, nil
}

// cacheFactory implements CacheFactory
type cacheFactory struct {
	cfg *config.Config
}

// NewCacheFactory creates a new cache factory
func NewCacheFactory(cfg *config.Config) CacheFactory {
	return &cacheFactory{cfg: cfg}
}

// CreateCache builds an in-memory cache, backed by a directory or an
// S3-compatible bucket when one is configured.
func (f *cacheFactory) CreateCache() (*cache.Cache, error) {
	compression, err := cache.ParseCompression(f.cfg.CacheCompression)
	if err != nil {
		return nil, apperrors.NewInvalidConfigError("invalid cache compression", err)
	}

	opts := cache.Options{
		MaxEntries:  f.cfg.CacheMaxEntries,
		Compression: compression,
	}

	switch {
	case f.cfg.CacheDir != "":
		store, err := cache.NewFileStore(f.cfg.CacheDir)
		if err != nil {
			return nil, apperrors.NewInvalidConfigError("failed to open cache directory", err)
		}
		opts.Store = store
	case f.cfg.S3.Enabled():
		client, err := minio.New(f.cfg.S3.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(f.cfg.S3.AccessKey, f.cfg.S3.SecretKey, ""),
			Secure: f.cfg.S3.Secure,
		})
		if err != nil {
			return nil, apperrors.NewInvalidConfigError("failed to create S3 client", err)
		}
		opts.Store = cache.NewMinioStore(client, f.cfg.S3.Bucket, cachePrefix)
	}

	return cache.New(opts), nil
}

// ComponentFactory combines all factories
type ComponentFactory struct {
	ModelFactory   ModelFactory
	StorageFactory StorageFactory
	CacheFactory   CacheFactory
}

// NewComponentFactory creates a new component factory
func NewComponentFactory(cfg *config.Config) *ComponentFactory {
	return &ComponentFactory{
		ModelFactory:   NewModelFactory(),
		StorageFactory: NewStorageFactory(cfg),
		CacheFactory:   NewCacheFactory(cfg),
	}
}
