// Package store provides the PostgreSQL storage layer for the memory
// engine: connection pooling (via pgxpool through PgBouncer), a dedicated
// connection for LISTEN/NOTIFY (direct to Postgres), and query methods
// for ingestion, graph maintenance, and evidence-anchored retrieval.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// Store wraps a pgxpool.Pool for normal queries (via PgBouncer)
// and a dedicated pgx.Conn for LISTEN/NOTIFY (direct to Postgres).
type Store struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	notifyDSN  string
	notifyMu   sync.Mutex
	// listenChannels tracks subscribed channels so they can be re-established after reconnect.
	listenChannels []string
	logger         *slog.Logger
}

// New creates a new Store with a connection pool.
// poolDSN should point to PgBouncer (or directly to Postgres in dev).
// notifyDSN should point directly to Postgres for LISTEN/NOTIFY support
// used by the graph deriver's event-arrival signal; pass "" to disable it.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse pool DSN: %w", err)
	}

	// Register pgvector types on each new connection so inserts/scans of
	// evidence_embedding.embedding and query_embedding round-trip correctly.
	// Registration is best-effort: the vector extension may not exist yet
	// during initial pool startup before migrations run.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("store: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("store: connect notify: %w", err)
		}
	}

	return &Store{
		pool:       pool,
		notifyConn: notifyConn,
		notifyDSN:  notifyDSN,
		logger:     logger,
	}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// HasNotifyConn reports whether a dedicated LISTEN/NOTIFY connection is configured.
func (s *Store) HasNotifyConn() bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	return s.notifyConn != nil
}

// Listen subscribes to a NOTIFY channel on the dedicated connection and
// tracks it for re-subscription after a reconnect.
func (s *Store) Listen(ctx context.Context, channel string) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if s.notifyConn == nil {
		return fmt.Errorf("store: no notify connection configured")
	}
	if _, err := s.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("store: listen %s: %w", channel, err)
	}
	s.listenChannels = append(s.listenChannels, channel)
	return nil
}

// WaitForNotification blocks until a notification arrives on the dedicated
// connection, the context is cancelled, or the connection drops (in which
// case it is transparently reconnected with jittered backoff and re-armed).
func (s *Store) WaitForNotification(ctx context.Context) (*pgx.Notification, error) {
	s.notifyMu.Lock()
	conn := s.notifyConn
	s.notifyMu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("store: no notify connection configured")
	}

	notif, err := conn.WaitForNotification(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.notifyMu.Lock()
		rerr := s.reconnectNotify(ctx)
		s.notifyMu.Unlock()
		if rerr != nil {
			return nil, fmt.Errorf("store: notification wait failed and reconnect failed: %w", rerr)
		}
		return nil, fmt.Errorf("store: notification connection reconnected, retry wait: %w", err)
	}
	return notif, nil
}

// Ping checks connectivity to the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection.
func (s *Store) Close(ctx context.Context) {
	s.pool.Close()
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if s.notifyConn != nil {
		if err := s.notifyConn.Close(ctx); err != nil {
			s.logger.Warn("store: close notify connection", "error", err)
		}
	}
}

// reconnectNotify re-establishes the dedicated LISTEN/NOTIFY connection with
// exponential backoff and jitter, then re-subscribes to all tracked
// channels. Must be called with s.notifyMu held.
func (s *Store) reconnectNotify(ctx context.Context) error {
	if s.notifyDSN == "" {
		return fmt.Errorf("store: no notify DSN configured")
	}

	if s.notifyConn != nil {
		_ = s.notifyConn.Close(ctx)
		s.notifyConn = nil
	}

	const maxRetries = 5
	var lastErr error
	backoff := 500 * time.Millisecond

	for attempt := range maxRetries {
		if attempt > 0 {
			jitter := time.Duration(rand.Int64N(int64(backoff / 2))) //nolint:gosec // jitter doesn't need crypto-strength randomness
			sleep := backoff + jitter

			s.logger.Info("store: reconnecting notify", "attempt", attempt+1, "backoff", sleep)

			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}

		conn, err := pgx.Connect(ctx, s.notifyDSN)
		if err != nil {
			lastErr = err
			s.logger.Warn("store: notify reconnect attempt failed", "attempt", attempt+1, "error", err)
			continue
		}

		resubOK := true
		for _, ch := range s.listenChannels {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				_ = conn.Close(ctx)
				lastErr = err
				s.logger.Warn("store: re-listen failed during reconnect", "channel", ch, "error", err)
				resubOK = false
				break
			}
		}
		if !resubOK {
			continue
		}

		s.notifyConn = conn
		s.logger.Info("store: notify connection restored", "attempt", attempt+1, "channels", s.listenChannels)
		return nil
	}

	return fmt.Errorf("store: notify reconnect failed after %d attempts: %w", maxRetries, lastErr)
}
