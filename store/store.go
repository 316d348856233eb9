package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

var db *sql.DB

// Init opens (or creates) the sqlite database under dataDir and applies
// migrations. Pass ":memory:" as dataDir for an ephemeral database.
func Init(dataDir string) error {
	dsn := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "tradeloop.db")
	}

	var err error
	db, err = sql.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func GetDB() *sql.DB {
	return db
}

func Close() error {
	if db != nil {
		return db.Close()
	}
	return nil
}

func migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS strategies (
			strategy_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT DEFAULT '',
			user_id TEXT DEFAULT '',
			status TEXT NOT NULL DEFAULT 'CREATED',
			config TEXT NOT NULL,
			metadata TEXT DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS strategy_holdings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			type TEXT NOT NULL,
			leverage REAL,
			entry_price REAL,
			quantity REAL NOT NULL,
			unrealized_pnl REAL,
			unrealized_pnl_pct REAL,
			snapshot_ts INTEGER NOT NULL,
			UNIQUE(strategy_id, symbol, snapshot_ts),
			FOREIGN KEY (strategy_id) REFERENCES strategies(strategy_id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS strategy_portfolio_views (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy_id TEXT NOT NULL,
			cash REAL NOT NULL,
			total_value REAL NOT NULL,
			total_unrealized_pnl REAL,
			total_realized_pnl REAL,
			gross_exposure REAL,
			net_exposure REAL,
			snapshot_ts INTEGER NOT NULL,
			UNIQUE(strategy_id, snapshot_ts),
			FOREIGN KEY (strategy_id) REFERENCES strategies(strategy_id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS strategy_compose_cycles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy_id TEXT NOT NULL,
			compose_id TEXT NOT NULL,
			compose_time INTEGER NOT NULL,
			cycle_index INTEGER NOT NULL,
			rationale TEXT,
			UNIQUE(strategy_id, compose_id),
			FOREIGN KEY (strategy_id) REFERENCES strategies(strategy_id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS strategy_instructions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy_id TEXT NOT NULL,
			compose_id TEXT NOT NULL,
			instruction_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			action TEXT NOT NULL,
			side TEXT,
			quantity REAL,
			leverage REAL,
			note TEXT,
			UNIQUE(strategy_id, instruction_id),
			FOREIGN KEY (strategy_id) REFERENCES strategies(strategy_id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS strategy_details (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy_id TEXT NOT NULL,
			compose_id TEXT,
			trade_id TEXT NOT NULL,
			instruction_id TEXT,
			symbol TEXT NOT NULL,
			type TEXT NOT NULL,
			side TEXT NOT NULL,
			leverage REAL,
			quantity REAL NOT NULL,
			entry_price REAL,
			exit_price REAL,
			avg_exec_price REAL,
			unrealized_pnl REAL,
			realized_pnl REAL,
			realized_pnl_pct REAL,
			notional_entry REAL,
			notional_exit REAL,
			fee_cost REAL,
			holding_ms INTEGER,
			entry_time INTEGER,
			exit_time INTEGER,
			note TEXT,
			UNIQUE(strategy_id, trade_id),
			FOREIGN KEY (strategy_id) REFERENCES strategies(strategy_id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS strategy_prompts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			content TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_holdings_strategy ON strategy_holdings(strategy_id, snapshot_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_views_strategy ON strategy_portfolio_views(strategy_id, snapshot_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_details_strategy ON strategy_details(strategy_id, exit_time)`,
		`CREATE INDEX IF NOT EXISTS idx_instructions_compose ON strategy_instructions(strategy_id, compose_id)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
