package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"smartclimate/internal/seasonal"
)

// PatternRepo persists the seasonal learner's hysteresis patterns. The
// learner replaces the whole list on save, so writes are a delete+insert in
// one transaction.
type PatternRepo struct {
	db *sql.DB
}

func NewPatternRepo(db *sql.DB) *PatternRepo {
	return &PatternRepo{db: db}
}

const (
	selectPatternsSQL = `
		SELECT observed_at, start_temp, stop_temp, outdoor_temp
		FROM hysteresis_patterns
		ORDER BY observed_at ASC
	`

	deletePatternsSQL = `DELETE FROM hysteresis_patterns`

	insertPatternSQL = `
		INSERT INTO hysteresis_patterns (id, observed_at, start_temp, stop_temp, outdoor_temp)
		VALUES (?, ?, ?, ?, ?)
	`
)

// LoadPatterns returns every persisted pattern, oldest first.
func (r *PatternRepo) LoadPatterns(ctx context.Context) ([]seasonal.LearnedPattern, error) {
	rows, err := r.db.QueryContext(ctx, selectPatternsSQL)
	if err != nil {
		return nil, fmt.Errorf("query hysteresis patterns: %w", err)
	}
	defer rows.Close()

	var out []seasonal.LearnedPattern
	for rows.Next() {
		var p seasonal.LearnedPattern
		if err := rows.Scan(&p.Timestamp, &p.StartTemp, &p.StopTemp, &p.OutdoorTemp); err != nil {
			return nil, fmt.Errorf("scan hysteresis pattern: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hysteresis patterns: %w", err)
	}
	return out, nil
}

// ReplacePatterns swaps the persisted list for the given one atomically.
func (r *PatternRepo) ReplacePatterns(ctx context.Context, patterns []seasonal.LearnedPattern) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pattern transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, deletePatternsSQL); err != nil {
		return fmt.Errorf("clear hysteresis patterns: %w", err)
	}
	for _, p := range patterns {
		if _, err := tx.ExecContext(ctx, insertPatternSQL,
			uuid.NewString(), p.Timestamp, p.StartTemp, p.StopTemp, p.OutdoorTemp); err != nil {
			return fmt.Errorf("insert hysteresis pattern: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pattern transaction: %w", err)
	}
	return nil
}
