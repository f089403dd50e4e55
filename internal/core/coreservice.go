package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jo-hoe/pixelmarket/internal/backend/database"
	"github.com/jo-hoe/pixelmarket/internal/backend/imageprocessing"
	"github.com/jo-hoe/pixelmarket/internal/backend/tokenstore"
	"github.com/jo-hoe/pixelmarket/internal/metrics"
	"github.com/jo-hoe/pixelmarket/internal/upload"
)

// AssetUploader stores an asset together with its thumbnail.
type AssetUploader interface {
	Upload(ctx context.Context, asset []byte, meta upload.Metadata) (*upload.Result, error)
}

type CoreService struct {
	config   *ServiceConfig
	db       database.DatabaseService
	tokens   database.TokenStore
	uploader AssetUploader
	signer   *AssetSigner
	money    Money
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewCoreService connects the ledger, the token store and the upload
// pipeline described by config.
func NewCoreService(ctx context.Context, config *ServiceConfig, m *metrics.Metrics) (*CoreService, error) {
	db, err := getDatabaseService(ctx, config)
	if err != nil {
		return nil, err
	}

	tokens, err := getTokenStore(ctx, config, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	closeStores := func() {
		if tokens != database.TokenStore(db) {
			_ = tokens.Close()
		}
		_ = db.Close()
	}

	thumbnails, err := imageprocessing.NewCommandInvokerFromConfig(imageprocessing.DefaultRegistry, config.ImageProcessingCommands())
	if err != nil {
		closeStores()
		return nil, fmt.Errorf("failed to build thumbnail pipeline: %w", err)
	}
	uploader := upload.NewUploader(
		upload.NewHTTPStorageClient(config.Upload.StorageURL, config.Upload.Timeout),
		thumbnails,
		upload.Config{
			MaxRetries: *config.Upload.MaxRetries,
			BaseDelay:  config.Upload.BaseDelay,
			MaxDelay:   config.Upload.MaxDelay,
		},
		m,
	)

	seed := config.Signing.Seed
	if seed == "" {
		seed, err = randomSeed()
		if err != nil {
			closeStores()
			return nil, err
		}
		slog.Warn("no signing seed configured, asset references will not survive a restart")
	}
	signer, err := NewAssetSigner(seed)
	if err != nil {
		closeStores()
		return nil, err
	}

	return newCoreService(config, db, tokens, uploader, signer, m), nil
}

func newCoreService(config *ServiceConfig, db database.DatabaseService, tokens database.TokenStore,
	uploader AssetUploader, signer *AssetSigner, m *metrics.Metrics) *CoreService {
	return &CoreService{
		config:   config,
		db:       db,
		tokens:   tokens,
		uploader: uploader,
		signer:   signer,
		money:    config.Money(),
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func getDatabaseService(ctx context.Context, config *ServiceConfig) (database.DatabaseService, error) {
	databaseService, err := database.NewDatabase(ctx, config.Database.Type, config.Database.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	slog.Info("database initialized successfully", "type", config.Database.Type)
	return databaseService, nil
}

func getTokenStore(ctx context.Context, config *ServiceConfig, db database.DatabaseService) (database.TokenStore, error) {
	switch config.TokenStore.Type {
	case "database":
		return db, nil
	case "redis":
		store, err := tokenstore.NewRedisTokenStoreFromURL(ctx, config.TokenStore.RedisURL, config.TokenStore.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis token store: %w", err)
		}
		slog.Info("token store initialized successfully", "type", "redis")
		return store, nil
	case "dynamodb":
		store, err := tokenstore.NewDynamoTokenStoreFromConfig(ctx, config.TokenStore.DynamoDB)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize dynamodb token store: %w", err)
		}
		slog.Info("token store initialized successfully", "type", "dynamodb", "table", config.TokenStore.DynamoDB.TableName)
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported token store type: %s", config.TokenStore.Type)
	}
}

func randomSeed() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (s *CoreService) Money() Money {
	return s.money
}

// Health pings the ledger store.
func (s *CoreService) Health(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *CoreService) Close() error {
	var errs []error
	if s.tokens != nil && s.tokens != database.TokenStore(s.db) {
		errs = append(errs, s.tokens.Close())
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

func (s *CoreService) CreateProfile(ctx context.Context, displayName, bio string) (*database.Profile, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, fmt.Errorf("%w: display name is required", ErrInvalidInput)
	}
	now := s.now()
	profile := &database.Profile{
		ID:          newID(),
		DisplayName: displayName,
		Bio:         bio,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.CreateProfile(ctx, profile); err != nil {
		return nil, storageError(err)
	}
	return profile, nil
}

func (s *CoreService) GetProfile(ctx context.Context, id string) (*database.Profile, error) {
	profile, err := s.db.GetProfile(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, storageError(err)
	}
	return profile, nil
}

// UpdateProfile changes the display name and bio. The balance is not writable.
func (s *CoreService) UpdateProfile(ctx context.Context, id, displayName, bio string) (*database.Profile, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, fmt.Errorf("%w: display name is required", ErrInvalidInput)
	}
	err := s.db.UpdateProfile(ctx, &database.Profile{ID: id, DisplayName: displayName, Bio: bio, UpdatedAt: s.now()})
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, storageError(err)
	}
	return s.GetProfile(ctx, id)
}

func (s *CoreService) GetImage(ctx context.Context, id string) (*database.Image, error) {
	image, err := s.db.GetImage(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrImageNotFound
	}
	if err != nil {
		return nil, storageError(err)
	}
	return image, nil
}

func (s *CoreService) UpdateImagePrice(ctx context.Context, id string, price int64) (*database.Image, error) {
	if price <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}
	err := s.db.UpdateImagePrice(ctx, id, price)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrImageNotFound
	}
	if err != nil {
		return nil, storageError(err)
	}
	return s.GetImage(ctx, id)
}

func (s *CoreService) GetTransaction(ctx context.Context, id string) (*database.Transaction, error) {
	tx, err := s.db.GetTransaction(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, storageError(err)
	}
	return tx, nil
}

// PublishRequest describes a new listing together with its binary asset.
type PublishRequest struct {
	OwnerID              string
	Title                string
	Description          string
	Category             string
	Price                int64
	Asset                []byte
	ContentType          string
	Thumbnail            []byte
	ThumbnailContentType string
}

// PublishImage uploads the asset and creates the listing. The Image record is
// written only after both the asset and its thumbnail were stored.
func (s *CoreService) PublishImage(ctx context.Context, req PublishRequest) (*database.Image, error) {
	if req.Price <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}
	if len(req.Asset) == 0 {
		return nil, fmt.Errorf("%w: asset is empty", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if _, err := s.GetProfile(ctx, req.OwnerID); err != nil {
		return nil, err
	}

	id := newID()
	result, err := s.uploader.Upload(ctx, req.Asset, upload.Metadata{
		Key:                  id,
		ContentType:          req.ContentType,
		Thumbnail:            req.Thumbnail,
		ThumbnailContentType: req.ThumbnailContentType,
	})
	if err != nil {
		slog.Error("image upload failed, listing not created", "image_id", id, "owner_id", req.OwnerID, "error", err)
		return nil, err
	}

	now := s.now()
	image := &database.Image{
		ID:           id,
		OwnerID:      req.OwnerID,
		Price:        req.Price,
		Title:        req.Title,
		Description:  req.Description,
		Category:     req.Category,
		AssetURL:     result.AssetURL,
		ThumbnailURL: result.ThumbnailURL,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.CreateImage(ctx, image); err != nil {
		return nil, storageError(err)
	}
	slog.Info("image published", "image_id", id, "owner_id", req.OwnerID, "price", req.Price)
	return image, nil
}

// standaloneUploadPrefix keeps standalone uploads apart from listing assets,
// which are stored under their image id.
const standaloneUploadPrefix = "uploads/"

// Upload runs the upload pipeline without creating a listing. The storage key
// is always generated here; any key in meta is replaced.
func (s *CoreService) Upload(ctx context.Context, asset []byte, meta upload.Metadata) (*upload.Result, error) {
	if len(asset) == 0 {
		return nil, fmt.Errorf("%w: asset is empty", ErrInvalidInput)
	}
	meta.Key = standaloneUploadPrefix + newID()
	return s.uploader.Upload(ctx, asset, meta)
}

func storageError(err error) error {
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
