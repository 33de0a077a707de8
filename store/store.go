// Package store keeps messages, their filter state and the history of
// filter runs in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/migadu/sift/config"
	"github.com/migadu/sift/consts"
	"github.com/migadu/sift/logger"
	"github.com/migadu/sift/pkg/metrics"
	"github.com/migadu/sift/pkg/retry"

	_ "modernc.org/sqlite"
)

// Store is safe for concurrent use.
type Store struct {
	db      *sql.DB
	backoff retry.BackoffConfig
	closed  atomic.Bool
}

// OpenDB opens the SQLite database at path in WAL mode without touching
// the schema.
func OpenDB(cfg config.StoreConfig) (*sql.DB, error) {
	path := filepath.Clean(strings.TrimSpace(cfg.Path))
	if path == "" || path == "." {
		return nil, fmt.Errorf("store path cannot be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	busy, err := cfg.GetBusyTimeout()
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Open opens the store and applies pending migrations.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store ping failed: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	backoff := retry.BackoffConfig{
		Multiplier: 2.0,
		Jitter:     true,
		MaxRetries: cfg.MaxRetries,
	}
	if backoff.InitialInterval, err = cfg.GetInitialInterval(); err != nil {
		db.Close()
		return nil, err
	}
	if backoff.MaxInterval, err = cfg.GetMaxInterval(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Store: opened", "path", cfg.Path)
	return &Store{db: db, backoff: backoff}, nil
}

// Close closes the database. Later calls fail with consts.ErrStoreClosed.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	logger.Info("Store: closing database")
	return s.db.Close()
}

// DB exposes the underlying database, for migrations.
func (s *Store) DB() *sql.DB { return s.db }

// isTransientSQLiteErr reports contention errors worth retrying.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// run executes fn, retrying transient SQLite errors, and records metrics
// for op.
func (s *Store) run(ctx context.Context, op string, fn func() error) error {
	if s.closed.Load() {
		return consts.ErrStoreClosed
	}
	start := time.Now()
	err := retry.Do(ctx, s.backoff, func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isTransientSQLiteErr(err) {
			metrics.StoreRetries.WithLabelValues(op).Inc()
			return err
		}
		return retry.Stop(err)
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.StoreOperationsTotal.WithLabelValues(op, status).Inc()
	metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return err
}

// inTx runs fn in a transaction that is rolled back unless fn succeeds.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFail, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitFailed, err)
	}
	return nil
}

// Stats implements metrics.StatsProvider.
func (s *Store) Stats(ctx context.Context) (*metrics.StoreStats, error) {
	stats := &metrics.StoreStats{MessagesPerFolder: make(map[string]int64)}
	err := s.run(ctx, "stats", func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT folder, COUNT(*) FROM messages WHERE deleted = 0 GROUP BY folder`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var folder string
			var n int64
			if err := rows.Scan(&folder, &n); err != nil {
				return err
			}
			stats.MessagesPerFolder[folder] = n
		}
		if err := rows.Err(); err != nil {
			return err
		}
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM filter_runs`).Scan(&stats.TotalRuns)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read store stats: %w", err)
	}
	return stats, nil
}
