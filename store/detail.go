package store

import (
	"fmt"

	"tradeloop/models"
)

// DetailStore persists completed and in-flight trade records, one row per
// trade_id. Re-writing a trade_id replaces the row, which lets a partial
// close annotate an earlier open.
type DetailStore struct{}

func NewDetailStore() *DetailStore {
	return &DetailStore{}
}

func (s *DetailStore) Save(strategyID string, t *models.TradeHistoryEntry) error {
	_, err := db.Exec(
		`INSERT OR REPLACE INTO strategy_details
		 (strategy_id, compose_id, trade_id, instruction_id, symbol, type, side, leverage, quantity,
		  entry_price, exit_price, avg_exec_price, unrealized_pnl, realized_pnl, realized_pnl_pct,
		  notional_entry, notional_exit, fee_cost, holding_ms, entry_time, exit_time, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		strategyID, t.ComposeID, t.TradeID, t.InstructionID, t.Symbol, string(t.TradeType),
		string(t.Side), t.Leverage, t.Quantity, t.EntryPrice, t.ExitPrice, t.AvgExecPrice,
		t.UnrealizedPnL, t.RealizedPnL, t.RealizedPct, t.NotionalEntry, t.NotionalExit,
		t.FeeCost, t.HoldingMillis, t.EntryTS, t.ExitTS, t.Note)
	if err != nil {
		return fmt.Errorf("failed to save trade detail %s: %w", t.TradeID, err)
	}
	return nil
}

func (s *DetailStore) List(strategyID string, limit int) ([]*models.TradeHistoryEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(
		`SELECT compose_id, trade_id, instruction_id, symbol, type, side, leverage, quantity,
		        entry_price, exit_price, avg_exec_price, unrealized_pnl, realized_pnl, realized_pnl_pct,
		        notional_entry, notional_exit, fee_cost, holding_ms, entry_time, exit_time, COALESCE(note, '')
		 FROM strategy_details WHERE strategy_id = ?
		 ORDER BY COALESCE(exit_time, entry_time) DESC LIMIT ?`, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trade details: %w", err)
	}
	defer rows.Close()

	var out []*models.TradeHistoryEntry
	for rows.Next() {
		var t models.TradeHistoryEntry
		var tradeType, side string
		if err := rows.Scan(&t.ComposeID, &t.TradeID, &t.InstructionID, &t.Symbol, &tradeType,
			&side, &t.Leverage, &t.Quantity, &t.EntryPrice, &t.ExitPrice, &t.AvgExecPrice,
			&t.UnrealizedPnL, &t.RealizedPnL, &t.RealizedPct, &t.NotionalEntry, &t.NotionalExit,
			&t.FeeCost, &t.HoldingMillis, &t.EntryTS, &t.ExitTS, &t.Note); err != nil {
			return nil, err
		}
		t.TradeType = models.TradeType(tradeType)
		t.Side = models.Side(side)
		out = append(out, &t)
	}
	return out, rows.Err()
}
