package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures retry behavior around backend calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig returns the retry policy used for archive storage.
func DefaultRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:      maxRetries,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     15 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
	}
}

// retrying wraps a backend so transient failures are retried with exponential backoff.
type retrying struct {
	Storage
	cfg RetryConfig
}

// WithRetry wraps s with retries. A config with MaxRetries <= 0 returns s unchanged.
func WithRetry(s Storage, cfg RetryConfig) Storage {
	if cfg.MaxRetries <= 0 {
		return s
	}
	return &retrying{Storage: s, cfg: cfg}
}

func (r *retrying) retry(ctx context.Context, op string, fn func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.cfg.InitialInterval
	exp.MaxInterval = r.cfg.MaxInterval
	exp.MaxElapsedTime = r.cfg.MaxElapsedTime
	exp.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.cfg.MaxRetries)), ctx)

	wrapped := func() error {
		err := fn()
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("storage operation failed, retrying", "backend", r.Name(), "op", op, "wait", wait, "error", err)
	}
	return backoff.RetryNotify(wrapped, b, notify)
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Upload buffers non-seekable readers so every attempt sends the full content.
func (r *retrying) Upload(ctx context.Context, key string, reader io.Reader, size int64) (*UploadResult, error) {
	seeker, ok := reader.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("failed to buffer upload: %w", err)
		}
		seeker = bytes.NewReader(data)
		size = int64(len(data))
	}

	var result *UploadResult
	err := r.retry(ctx, "upload", func() error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		}
		res, err := r.Storage.Upload(ctx, key, seeker, size)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

func (r *retrying) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := r.retry(ctx, "download", func() error {
		var err error
		rc, err = r.Storage.Download(ctx, key)
		return err
	})
	return rc, err
}

func (r *retrying) Delete(ctx context.Context, key string) error {
	return r.retry(ctx, "delete", func() error {
		return r.Storage.Delete(ctx, key)
	})
}

func (r *retrying) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.retry(ctx, "exists", func() error {
		var err error
		exists, err = r.Storage.Exists(ctx, key)
		return err
	})
	return exists, err
}

func (r *retrying) GetMetadata(ctx context.Context, key string) (*FileMetadata, error) {
	var meta *FileMetadata
	err := r.retry(ctx, "metadata", func() error {
		var err error
		meta, err = r.Storage.GetMetadata(ctx, key)
		return err
	})
	return meta, err
}

// Close releases the wrapped backend's client when it holds one.
func (r *retrying) Close() error {
	if c, ok := r.Storage.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
