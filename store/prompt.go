package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Prompt is a reusable strategy directive referenced by name from a
// UserRequest's prompt_preset.
type Prompt struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type PromptStore struct{}

func NewPromptStore() *PromptStore {
	return &PromptStore{}
}

func (s *PromptStore) Upsert(name, content string) error {
	_, err := db.Exec(
		`INSERT INTO strategy_prompts (name, content) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET content = excluded.content, updated_at = CURRENT_TIMESTAMP`,
		name, content)
	if err != nil {
		return fmt.Errorf("failed to upsert prompt %s: %w", name, err)
	}
	return nil
}

// GetByName returns the prompt content, or "" when the preset is unknown.
func (s *PromptStore) GetByName(name string) (string, error) {
	var content string
	err := db.QueryRow(`SELECT content FROM strategy_prompts WHERE name = ?`, name).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load prompt %s: %w", name, err)
	}
	return content, nil
}

func (s *PromptStore) List() ([]*Prompt, error) {
	rows, err := db.Query(
		`SELECT id, name, content, created_at, updated_at FROM strategy_prompts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	defer rows.Close()

	var out []*Prompt
	for rows.Next() {
		var p Prompt
		if err := rows.Scan(&p.ID, &p.Name, &p.Content, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PromptStore) Delete(name string) error {
	_, err := db.Exec(`DELETE FROM strategy_prompts WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete prompt %s: %w", name, err)
	}
	return nil
}
