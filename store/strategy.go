package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tradeloop/models"
)

// Strategy is a persisted strategy row. Config is the JSON-encoded
// UserRequest; Metadata holds operational facts like stop_reason.
type Strategy struct {
	StrategyID  string
	Name        string
	Description string
	UserID      string
	Status      models.StrategyStatus
	Config      *models.UserRequest
	Metadata    map[string]interface{}
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type StrategyStore struct{}

func NewStrategyStore() *StrategyStore {
	return &StrategyStore{}
}

func (s *StrategyStore) Create(strategy *Strategy) error {
	config, err := json.Marshal(strategy.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	metadata, err := marshalMetadata(strategy.Metadata)
	if err != nil {
		return err
	}
	_, err = db.Exec(
		`INSERT INTO strategies (strategy_id, name, description, user_id, status, config, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		strategy.StrategyID, strategy.Name, strategy.Description, strategy.UserID,
		string(strategy.Status), string(config), metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to create strategy: %w", err)
	}
	return nil
}

func (s *StrategyStore) Get(strategyID string) (*Strategy, error) {
	row := db.QueryRow(
		`SELECT strategy_id, name, description, user_id, status, config, metadata, created_at, updated_at
		 FROM strategies WHERE strategy_id = ?`, strategyID)
	return scanStrategy(row)
}

func (s *StrategyStore) List() ([]*Strategy, error) {
	rows, err := db.Query(
		`SELECT strategy_id, name, description, user_id, status, config, metadata, created_at, updated_at
		 FROM strategies ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	defer rows.Close()

	var out []*Strategy
	for rows.Next() {
		st, err := scanStrategyRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListByStatus is used by auto-resume to find strategies left RUNNING.
func (s *StrategyStore) ListByStatus(status models.StrategyStatus) ([]*Strategy, error) {
	rows, err := db.Query(
		`SELECT strategy_id, name, description, user_id, status, config, metadata, created_at, updated_at
		 FROM strategies WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies by status: %w", err)
	}
	defer rows.Close()

	var out []*Strategy
	for rows.Next() {
		st, err := scanStrategyRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *StrategyStore) SetStatus(strategyID string, status models.StrategyStatus) error {
	_, err := db.Exec(
		`UPDATE strategies SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE strategy_id = ?`,
		string(status), strategyID)
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	return nil
}

// GetStatus is the controller's poll target for wait-for-running and the
// loop's liveness check.
func (s *StrategyStore) GetStatus(strategyID string) (models.StrategyStatus, error) {
	var status string
	err := db.QueryRow(`SELECT status FROM strategies WHERE strategy_id = ?`, strategyID).Scan(&status)
	if err != nil {
		return "", err
	}
	return models.StrategyStatus(status), nil
}

// IsRunning reports whether the persisted status is RUNNING. Missing rows
// count as not running so a deleted strategy stops its loop.
func (s *StrategyStore) IsRunning(strategyID string) bool {
	status, err := s.GetStatus(strategyID)
	return err == nil && status == models.StatusRunning
}

// SetMetadataField merges one key into the metadata JSON.
func (s *StrategyStore) SetMetadataField(strategyID, key string, value interface{}) error {
	st, err := s.Get(strategyID)
	if err != nil {
		return err
	}
	if st.Metadata == nil {
		st.Metadata = map[string]interface{}{}
	}
	st.Metadata[key] = value
	metadata, err := marshalMetadata(st.Metadata)
	if err != nil {
		return err
	}
	_, err = db.Exec(
		`UPDATE strategies SET metadata = ?, updated_at = CURRENT_TIMESTAMP WHERE strategy_id = ?`,
		metadata, strategyID)
	if err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}
	return nil
}

func (s *StrategyStore) Delete(strategyID string) error {
	_, err := db.Exec(`DELETE FROM strategies WHERE strategy_id = ?`, strategyID)
	if err != nil {
		return fmt.Errorf("failed to delete strategy: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStrategy(row *sql.Row) (*Strategy, error) {
	return scanInto(row)
}

func scanStrategyRows(rows *sql.Rows) (*Strategy, error) {
	return scanInto(rows)
}

func scanInto(r rowScanner) (*Strategy, error) {
	var st Strategy
	var status, config, metadata string
	if err := r.Scan(&st.StrategyID, &st.Name, &st.Description, &st.UserID,
		&status, &config, &metadata, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.Status = models.StrategyStatus(status)

	var req models.UserRequest
	if err := json.Unmarshal([]byte(config), &req); err != nil {
		return nil, fmt.Errorf("failed to parse config for %s: %w", st.StrategyID, err)
	}
	st.Config = &req

	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &st.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse metadata for %s: %w", st.StrategyID, err)
		}
	}
	return &st, nil
}

func marshalMetadata(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(b), nil
}
