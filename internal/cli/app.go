package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/feedlog/internal/config"
	"github.com/roach88/feedlog/internal/feedlog"
	"github.com/roach88/feedlog/internal/keys"
	"github.com/roach88/feedlog/internal/store"
	"github.com/roach88/feedlog/internal/store/pgstore"
	"github.com/roach88/feedlog/internal/validate"
)

// app is one opened store plus the Log on top of it.
type app struct {
	cfg   *config.Config
	store feedlog.Store
	log   *feedlog.Log
	close func() error
}

// openApp opens the configured store and builds a Log.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	var (
		s       feedlog.Store
		closeFn func() error
	)
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pg, err := pgstore.Open(ctx, cfg.Store.DSN, pgstore.Config{
			MaxConns:  int32(cfg.Store.MaxConns),
			BatchSize: cfg.Store.BatchSize,
		})
		if err != nil {
			return nil, err
		}
		s, closeFn = pg, pg.Close
	default:
		sq, err := store.Open(cfg.Store.Path,
			store.WithMaxConns(cfg.Store.MaxConns),
			store.WithBatchSize(cfg.Store.BatchSize),
		)
		if err != nil {
			return nil, err
		}
		s, closeFn = sq, sq.Close
	}

	policy, err := cfg.Validation.Policy()
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	l, err := feedlog.New(s,
		feedlog.WithPolicy(policy),
		feedlog.WithWriteTimeout(cfg.Store.WriteTimeout),
		feedlog.WithErrorHandler(func(err error) {
			slog.Error("store write failed", "error", err)
		}),
	)
	if err != nil {
		_ = closeFn()
		return nil, err
	}

	slog.Debug("store opened", "driver", cfg.Store.Driver, "mode", policy.Mode().String())
	return &app{cfg: cfg, store: s, log: l, close: closeFn}, nil
}

// Close flushes pending writes and closes the store.
func (a *app) Close(ctx context.Context) error {
	flushErr := a.log.Close(ctx)
	if err := a.close(); err != nil {
		return errors.Join(flushErr, err)
	}
	return flushErr
}

// withApp opens the app, runs fn and closes the app. Open failures map to
// ExitCommandError.
func withApp(ctx context.Context, opts *RootOptions, fn func(*app) error) error {
	a, err := openApp(ctx, opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			slog.Error("error closing store", "error", err)
		}
	}()
	return fn(a)
}

// loadKeys reads the local identity, creating it on first use.
func loadKeys(cfg *config.Config) (*keys.Keys, error) {
	k, err := keys.LoadOrCreate(cfg.Keys.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load keys", err)
	}
	return k, nil
}

// rejection maps append and lookup failures to exit errors.
func rejection(action string, err error) error {
	switch {
	case validate.IsValidationError(err):
		return WrapExitError(ExitFailure, fmt.Sprintf("%s rejected", action), err)
	case errors.Is(err, store.ErrNotFound):
		return WrapExitError(ExitFailure, "not found", err)
	default:
		return WrapExitError(ExitCommandError, fmt.Sprintf("%s failed", action), err)
	}
}
