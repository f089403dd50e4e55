package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jo-hoe/pixelmarket/internal/metrics"
)

var ErrUploadFailed = errors.New("upload failed")

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMaxDelay   = 8 * time.Second
)

// Error reports an upload that was abandoned, either because retries ran out
// or because the storage service rejected the request outright.
type Error struct {
	Key      string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upload of %s failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrUploadFailed, e.Err}
}

// StorageClient stores a single object and returns its public URL.
type StorageClient interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ThumbnailGenerator renders a thumbnail from the original asset.
type ThumbnailGenerator interface {
	Generate(asset []byte) ([]byte, error)
}

type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Metadata struct {
	Key                  string
	ContentType          string
	Thumbnail            []byte
	ThumbnailContentType string
}

type Result struct {
	AssetURL     string
	ThumbnailURL string
}

type Uploader struct {
	client     StorageClient
	thumbnails ThumbnailGenerator
	config     Config
	metrics    *metrics.Metrics
}

func NewUploader(client StorageClient, thumbnails ThumbnailGenerator, config Config, m *metrics.Metrics) *Uploader {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultBaseDelay
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = config.BaseDelay
	}
	return &Uploader{
		client:     client,
		thumbnails: thumbnails,
		config:     config,
		metrics:    m,
	}
}

// Upload stores the asset and its thumbnail. The thumbnail is taken from meta
// when present and generated otherwise. Both URLs are returned only when both
// objects were stored.
func (u *Uploader) Upload(ctx context.Context, asset []byte, meta Metadata) (*Result, error) {
	if len(asset) == 0 {
		return nil, &Error{Key: meta.Key, Err: errors.New("empty asset")}
	}

	thumbnail := meta.Thumbnail
	thumbnailType := meta.ThumbnailContentType
	if len(thumbnail) == 0 {
		if u.thumbnails == nil {
			return nil, &Error{Key: meta.Key, Err: errors.New("no thumbnail supplied and no generator configured")}
		}
		generated, err := u.thumbnails.Generate(asset)
		if err != nil {
			return nil, &Error{Key: meta.Key, Err: fmt.Errorf("generate thumbnail: %w", err)}
		}
		thumbnail = generated
		thumbnailType = "image/png"
	}
	if thumbnailType == "" {
		thumbnailType = "application/octet-stream"
	}

	assetURL, err := u.put(ctx, meta.Key, asset, meta.ContentType)
	if err != nil {
		return nil, err
	}
	thumbnailURL, err := u.put(ctx, meta.Key+"-thumbnail", thumbnail, thumbnailType)
	if err != nil {
		return nil, err
	}

	slog.Info("upload completed", "key", meta.Key, "asset_size", len(asset), "thumbnail_size", len(thumbnail))
	return &Result{AssetURL: assetURL, ThumbnailURL: thumbnailURL}, nil
}

// put submits one object, retrying transient failures with exponential
// backoff. At most 1+MaxRetries requests are made and only one is in flight.
func (u *Uploader) put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	delays := u.newBackOff()
	maxAttempts := 1 + u.config.MaxRetries

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		url, err := u.client.Put(ctx, key, body, contentType)
		if err == nil {
			u.metrics.UploadAttempt("success")
			return url, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			u.metrics.UploadAttempt("canceled")
			return "", &Error{Key: key, Attempts: attempt, Err: fmt.Errorf("%w: %v", ctx.Err(), lastErr)}
		}
		if !IsTransient(err) {
			u.metrics.UploadAttempt("rejected")
			return "", &Error{Key: key, Attempts: attempt, Err: err}
		}
		u.metrics.UploadAttempt("transient")
		if attempt == maxAttempts {
			break
		}

		delay := delays.NextBackOff()
		slog.Warn("upload attempt failed, retrying",
			"key", key,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", &Error{Key: key, Attempts: attempt, Err: fmt.Errorf("%w: %v", ctx.Err(), lastErr)}
		case <-timer.C:
		}
	}

	return "", &Error{Key: key, Attempts: maxAttempts, Err: lastErr}
}

func (u *Uploader) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = u.config.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = u.config.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
