// Package ledger is the durable, single-file store backing the pipeline:
// the append-only activity log, the erasure queue, release history, the
// privacy budget, and salt epoch history, all in one SQLite database.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
	"go.uber.org/zap"
)

// Client wraps the SQLite connection pool the ledger operates over.
type Client struct {
	db  *sql.DB
	log *zap.Logger
}

// NewClient opens (creating if absent) the SQLite database at path, enables
// WAL journaling for crash durability, and verifies the connection.
func NewClient(ctx context.Context, path string, log *zap.Logger) (*Client, error) {
	log.Info("opening ledger database", zap.String("path", path))

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Error("failed to open ledger database", zap.Error(err))
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	// a single writer discipline governs the ledger at the application
	// level already; one physical connection keeps SQLite's own locking
	// out of the way entirely.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		log.Error("failed to ping ledger database", zap.Error(err))
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}

	client := &Client{db: db, log: log}
	if err := client.ensureSchema(ctx); err != nil {
		return nil, err
	}

	log.Info("ledger database ready")
	return client, nil
}

// DB exposes the underlying handle for packages (accountant) that share the
// same physical database file but own their own table set.
func (c *Client) DB() *sql.DB { return c.db }

// Close closes the ledger database.
func (c *Client) Close() error {
	c.log.Info("closing ledger database")
	if err := c.db.Close(); err != nil {
		c.log.Error("error closing ledger database", zap.Error(err))
		return err
	}
	return nil
}
