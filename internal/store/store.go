// Package store provides durable storage for the trading core on SQLite.
//
// All persistent state lives here: markets, orders, trades, accounts,
// positions, settlement batches, the idempotency cache, the event-stream
// checkpoint, and the audit tables. Multi-row writes go through Transact,
// which wraps them in a single transaction with rollback on error or panic.
// Row operations are defined on queries so they work identically inside and
// outside a transaction.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database connection.
type Store struct {
	queries
	db     *sql.DB
	logger *slog.Logger
}

// Tx is an open transaction exposing the same row operations as Store.
type Tx struct {
	queries
}

// dbtx is the common surface of *sql.DB and *sql.Tx.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

// Open opens (or creates) the SQLite database and runs migrations.
func Open(path string, walMode bool, logger *slog.Logger) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if walMode {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	// SQLite supports one writer at a time; serializing in the pool avoids
	// SQLITE_BUSY churn under concurrent placements.
	db.SetMaxOpenConns(1)

	s := &Store{queries: queries{db: db}, db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Transact runs fn inside a transaction. Rollback happens on error or
// panic; commit only on a nil return.
func (s *Store) Transact(fn func(tx *Tx) error) error {
	sqlTx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{queries: queries{db: sqlTx}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) migrate() error {
	version := 0
	s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS markets (
				id              TEXT PRIMARY KEY,
				question        TEXT NOT NULL,
				description     TEXT NOT NULL DEFAULT '',
				status          TEXT NOT NULL,
				outcome         INTEGER,
				yes_price       TEXT NOT NULL,
				no_price        TEXT NOT NULL,
				volume_24h      TEXT NOT NULL DEFAULT '0',
				total_volume    TEXT NOT NULL DEFAULT '0',
				open_interest   TEXT NOT NULL DEFAULT '0',
				contract_id     TEXT NOT NULL DEFAULT '',
				version         INTEGER NOT NULL DEFAULT 0,
				resolution_time TEXT NOT NULL,
				created_at      TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_markets_status ON markets(status);

			CREATE TABLE IF NOT EXISTS accounts (
				user_id                   TEXT PRIMARY KEY,
				party_id                  TEXT NOT NULL,
				account_contract_id       TEXT NOT NULL DEFAULT '',
				authorization_contract_id TEXT NOT NULL DEFAULT '',
				available_balance         TEXT NOT NULL DEFAULT '0',
				locked_balance            TEXT NOT NULL DEFAULT '0',
				last_updated              TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_accounts_party ON accounts(party_id);

			CREATE TABLE IF NOT EXISTS orders (
				id              TEXT PRIMARY KEY,
				market_id       TEXT NOT NULL REFERENCES markets(id),
				user_id         TEXT NOT NULL,
				side            TEXT NOT NULL,
				action          TEXT NOT NULL,
				order_type      TEXT NOT NULL,
				price           TEXT,
				quantity        TEXT NOT NULL,
				filled_quantity TEXT NOT NULL DEFAULT '0',
				status          TEXT NOT NULL,
				locked_amount   TEXT NOT NULL DEFAULT '0',
				idempotency_key TEXT,
				created_at      TEXT NOT NULL,
				updated_at      TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id);
			CREATE INDEX IF NOT EXISTS idx_orders_market ON orders(market_id);
			CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

			CREATE TABLE IF NOT EXISTS trades (
				id                TEXT PRIMARY KEY,
				market_id         TEXT NOT NULL REFERENCES markets(id),
				buyer_id          TEXT NOT NULL,
				seller_id         TEXT NOT NULL,
				side              TEXT NOT NULL,
				price             TEXT NOT NULL,
				quantity          TEXT NOT NULL,
				buyer_order_id    TEXT NOT NULL,
				seller_order_id   TEXT NOT NULL,
				trade_type        TEXT NOT NULL,
				settlement_status TEXT NOT NULL,
				settlement_id     TEXT NOT NULL DEFAULT '',
				retry_count       INTEGER NOT NULL DEFAULT 0,
				created_at        TEXT NOT NULL,
				settled_at        TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market_id);
			CREATE INDEX IF NOT EXISTS idx_trades_settlement ON trades(settlement_status);

			CREATE TABLE IF NOT EXISTS positions (
				id              TEXT PRIMARY KEY,
				user_id         TEXT NOT NULL,
				market_id       TEXT NOT NULL,
				side            TEXT NOT NULL,
				quantity        TEXT NOT NULL DEFAULT '0',
				locked_quantity TEXT NOT NULL DEFAULT '0',
				avg_cost_basis  TEXT NOT NULL DEFAULT '0',
				contract_id     TEXT NOT NULL DEFAULT '',
				is_archived     INTEGER NOT NULL DEFAULT 0,
				last_updated    TEXT NOT NULL
			);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_active
				ON positions(user_id, market_id, side) WHERE is_archived = 0;
			CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id);

			CREATE TABLE IF NOT EXISTS settlement_batches (
				id           TEXT PRIMARY KEY,
				status       TEXT NOT NULL,
				retry_count  INTEGER NOT NULL DEFAULT 0,
				last_error   TEXT NOT NULL DEFAULT '',
				created_at   TEXT NOT NULL,
				processed_at TEXT
			);

			CREATE TABLE IF NOT EXISTS settlement_batch_trades (
				batch_id TEXT NOT NULL REFERENCES settlement_batches(id),
				trade_id TEXT NOT NULL REFERENCES trades(id),
				PRIMARY KEY (batch_id, trade_id)
			);
			CREATE INDEX IF NOT EXISTS idx_batch_trades_trade ON settlement_batch_trades(trade_id);

			CREATE TABLE IF NOT EXISTS settlement_events (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				batch_id    TEXT NOT NULL,
				phase       TEXT NOT NULL,
				detail      TEXT NOT NULL DEFAULT '',
				created_at  TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_settlement_events_batch ON settlement_events(batch_id);

			CREATE TABLE IF NOT EXISTS compensation_failures (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				batch_id   TEXT NOT NULL,
				trade_id   TEXT NOT NULL,
				user_id    TEXT NOT NULL,
				amount     TEXT NOT NULL,
				reason     TEXT NOT NULL,
				created_at TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS reconciliation_history (
				id                 INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id            TEXT NOT NULL,
				previous_available TEXT NOT NULL,
				previous_locked    TEXT NOT NULL,
				onchain_available  TEXT NOT NULL,
				onchain_locked     TEXT NOT NULL,
				drift              TEXT NOT NULL,
				relative_drift     TEXT NOT NULL,
				reconciled         INTEGER NOT NULL,
				created_at         TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS system_state (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS idempotency_cache (
				user_id    TEXT NOT NULL,
				key        TEXT NOT NULL,
				response   TEXT,
				expires_at TEXT NOT NULL,
				PRIMARY KEY (user_id, key)
			);

			CREATE TABLE IF NOT EXISTS faucet_requests (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id    TEXT NOT NULL,
				amount     TEXT NOT NULL,
				created_at TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_faucet_user ON faucet_requests(user_id);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		s.logger.Info("applied migration", "version", 1)
	}

	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Encoding helpers
// ————————————————————————————————————————————————————————————————————————

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func scanNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
