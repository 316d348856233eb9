package store

import (
	"fmt"

	"tradeloop/models"
)

// CycleStore persists compose cycles and their instructions, NOOPs
// included. The unique keys make replays idempotent.
type CycleStore struct{}

func NewCycleStore() *CycleStore {
	return &CycleStore{}
}

func (s *CycleStore) SaveCycle(strategyID, composeID string, composeTime int64, cycleIndex int64, rationale string) error {
	_, err := db.Exec(
		`INSERT OR REPLACE INTO strategy_compose_cycles
		 (strategy_id, compose_id, compose_time, cycle_index, rationale)
		 VALUES (?, ?, ?, ?, ?)`,
		strategyID, composeID, composeTime, cycleIndex, rationale)
	if err != nil {
		return fmt.Errorf("failed to save compose cycle: %w", err)
	}
	return nil
}

func (s *CycleStore) SaveInstructions(strategyID string, instructions []*models.TradeInstruction) error {
	if len(instructions) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin instruction tx: %w", err)
	}
	defer tx.Rollback()

	for _, in := range instructions {
		note := ""
		if in.ReduceOnly() {
			note = "reduce_only"
		}
		_, err = tx.Exec(
			`INSERT OR REPLACE INTO strategy_instructions
			 (strategy_id, compose_id, instruction_id, symbol, action, side, quantity, leverage, note)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			strategyID, in.ComposeID, in.InstructionID, in.Instrument.Symbol,
			string(in.Action), string(in.Side), in.Quantity, in.Leverage, note)
		if err != nil {
			return fmt.Errorf("failed to save instruction %s: %w", in.InstructionID, err)
		}
	}
	return tx.Commit()
}

// NextCycleIndex returns one past the highest persisted cycle index.
func (s *CycleStore) NextCycleIndex(strategyID string) (int64, error) {
	var max int64
	err := db.QueryRow(
		`SELECT COALESCE(MAX(cycle_index), -1) FROM strategy_compose_cycles WHERE strategy_id = ?`,
		strategyID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read cycle index: %w", err)
	}
	return max + 1, nil
}

type ComposeCycle struct {
	ComposeID   string `json:"compose_id"`
	ComposeTime int64  `json:"compose_time"`
	CycleIndex  int64  `json:"cycle_index"`
	Rationale   string `json:"rationale,omitempty"`
}

func (s *CycleStore) ListCycles(strategyID string, limit int) ([]*ComposeCycle, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT compose_id, compose_time, cycle_index, COALESCE(rationale, '')
		 FROM strategy_compose_cycles WHERE strategy_id = ?
		 ORDER BY cycle_index DESC LIMIT ?`, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	defer rows.Close()

	var out []*ComposeCycle
	for rows.Next() {
		var c ComposeCycle
		if err := rows.Scan(&c.ComposeID, &c.ComposeTime, &c.CycleIndex, &c.Rationale); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
