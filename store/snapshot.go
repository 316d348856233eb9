package store

import (
	"database/sql"
	"errors"
	"fmt"

	"tradeloop/models"
)

// SnapshotStore persists per-symbol holdings and aggregated portfolio
// views. Writes are INSERT OR REPLACE so re-persisting the same snapshot_ts
// is idempotent.
type SnapshotStore struct{}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

// SaveView writes one portfolio snapshot and its open holdings in a single
// transaction.
func (s *SnapshotStore) SaveView(strategyID string, view *models.PortfolioView) error {
	ts := view.TS
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO strategy_portfolio_views
		 (strategy_id, cash, total_value, total_unrealized_pnl, total_realized_pnl, gross_exposure, net_exposure, snapshot_ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		strategyID, view.AccountBalance, view.TotalValue, view.TotalUnrealizedPnL,
		view.TotalRealizedPnL, view.GrossExposure, view.NetExposure, ts)
	if err != nil {
		return fmt.Errorf("failed to save portfolio view: %w", err)
	}

	for symbol, pos := range view.Positions {
		if !pos.IsOpen() {
			continue
		}
		_, err = tx.Exec(
			`INSERT OR REPLACE INTO strategy_holdings
			 (strategy_id, symbol, type, leverage, entry_price, quantity, unrealized_pnl, unrealized_pnl_pct, snapshot_ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			strategyID, symbol, string(pos.TradeType), pos.Leverage, pos.AvgPrice,
			pos.Quantity, pos.UnrealizedPnL, pos.UnrealizedPnLPct, ts)
		if err != nil {
			return fmt.Errorf("failed to save holding %s: %w", symbol, err)
		}
	}
	return tx.Commit()
}

// HasAnyView reports whether a snapshot exists for the strategy, which
// makes the initial-state write idempotent across restarts.
func (s *SnapshotStore) HasAnyView(strategyID string) (bool, error) {
	var n int
	err := db.QueryRow(
		`SELECT COUNT(1) FROM strategy_portfolio_views WHERE strategy_id = ?`, strategyID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count views: %w", err)
	}
	return n > 0, nil
}

// LatestView returns the newest persisted snapshot, or nil when none exist.
func (s *SnapshotStore) LatestView(strategyID string) (*models.PortfolioView, error) {
	row := db.QueryRow(
		`SELECT cash, total_value, total_unrealized_pnl, total_realized_pnl, gross_exposure, net_exposure, snapshot_ts
		 FROM strategy_portfolio_views WHERE strategy_id = ?
		 ORDER BY snapshot_ts DESC LIMIT 1`, strategyID)

	view := &models.PortfolioView{StrategyID: strategyID, Positions: map[string]*models.PositionSnapshot{}}
	err := row.Scan(&view.AccountBalance, &view.TotalValue, &view.TotalUnrealizedPnL,
		&view.TotalRealizedPnL, &view.GrossExposure, &view.NetExposure, &view.TS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load latest view: %w", err)
	}

	rows, err := db.Query(
		`SELECT symbol, type, leverage, entry_price, quantity, unrealized_pnl, unrealized_pnl_pct
		 FROM strategy_holdings WHERE strategy_id = ? AND snapshot_ts = ?`, strategyID, view.TS)
	if err != nil {
		return nil, fmt.Errorf("failed to load holdings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var symbol, tradeType string
		pos := &models.PositionSnapshot{}
		if err := rows.Scan(&symbol, &tradeType, &pos.Leverage, &pos.AvgPrice,
			&pos.Quantity, &pos.UnrealizedPnL, &pos.UnrealizedPnLPct); err != nil {
			return nil, err
		}
		pos.Instrument = models.Instrument{Symbol: symbol}
		pos.TradeType = models.TradeType(tradeType)
		view.Positions[symbol] = pos
	}
	return view, rows.Err()
}

// HoldingCurve returns (snapshot_ts, unrealized_pnl_pct) points for one
// symbol, oldest first, for the price-curve endpoint.
func (s *SnapshotStore) HoldingCurve(strategyID, symbol string, limit int) ([][2]float64, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(
		`SELECT snapshot_ts, unrealized_pnl_pct FROM strategy_holdings
		 WHERE strategy_id = ? AND symbol = ?
		 ORDER BY snapshot_ts DESC LIMIT ?`, strategyID, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load holding curve: %w", err)
	}
	defer rows.Close()

	var points [][2]float64
	for rows.Next() {
		var ts int64
		var pct float64
		if err := rows.Scan(&ts, &pct); err != nil {
			return nil, err
		}
		points = append(points, [2]float64{float64(ts), pct})
	}
	// Reverse to chronological order.
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points, rows.Err()
}

// Holdings returns the most recent holding row per symbol.
func (s *SnapshotStore) Holdings(strategyID string) ([]*models.PositionSnapshot, error) {
	rows, err := db.Query(
		`SELECT h.symbol, h.type, h.leverage, h.entry_price, h.quantity, h.unrealized_pnl, h.unrealized_pnl_pct, h.snapshot_ts
		 FROM strategy_holdings h
		 JOIN (SELECT symbol, MAX(snapshot_ts) AS ts FROM strategy_holdings WHERE strategy_id = ? GROUP BY symbol) m
		   ON h.symbol = m.symbol AND h.snapshot_ts = m.ts
		 WHERE h.strategy_id = ?`, strategyID, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load holdings: %w", err)
	}
	defer rows.Close()

	var out []*models.PositionSnapshot
	for rows.Next() {
		var symbol, tradeType string
		var ts int64
		pos := &models.PositionSnapshot{}
		if err := rows.Scan(&symbol, &tradeType, &pos.Leverage, &pos.AvgPrice,
			&pos.Quantity, &pos.UnrealizedPnL, &pos.UnrealizedPnLPct, &ts); err != nil {
			return nil, err
		}
		pos.Instrument = models.Instrument{Symbol: symbol}
		pos.TradeType = models.TradeType(tradeType)
		pos.EntryTS = ts
		out = append(out, pos)
	}
	return out, rows.Err()
}
