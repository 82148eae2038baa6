// Package db implements the workflow store, audit sink and staff directory
// on Postgres.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"bypassd/internal/apperr"
)

type Pool struct {
	*pgxpool.Pool
	log *zap.Logger
}

func NewPool(ctx context.Context, databaseURL string, log *zap.Logger) (*Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Pool{Pool: pool, log: log}, nil
}

func (p *Pool) Close() {
	p.Pool.Close()
}

// classify attaches an error kind to a database error. Lost connections,
// timeouts and serialization failures are transient; missing rows are NotFound.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Wrap(apperr.ErrNotFound, apperr.NotFound, msg)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return apperr.Wrap(err, apperr.TransientUnavailable, msg)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P01", "53300":
			return apperr.Wrap(err, apperr.TransientUnavailable, msg)
		}
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return apperr.Wrap(err, apperr.TransientUnavailable, msg)
	}
	return apperr.Wrap(err, apperr.Internal, msg)
}
