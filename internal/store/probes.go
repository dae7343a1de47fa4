package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"smartclimate/internal/clock"
	"smartclimate/internal/thermal"
)

// ProbeRepo persists completed thermal probe analyses per wrapped entity.
// Rows get their id and timestamp here: the analysis itself carries neither.
type ProbeRepo struct {
	db  *sql.DB
	clk clock.Clock
}

func NewProbeRepo(db *sql.DB, clk clock.Clock) *ProbeRepo {
	return &ProbeRepo{db: db, clk: clk}
}

const (
	insertProbeSQL = `
		INSERT INTO probe_results (id, entity_id, created_at, tau_value, confidence, duration_s, fit_quality, aborted, outdoor_temp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	selectProbeHistorySQL = `
		SELECT tau_value, confidence, duration_s, fit_quality, aborted, outdoor_temp
		FROM probe_results
		WHERE entity_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
)

// SaveProbeResult appends one probe analysis for an entity.
func (r *ProbeRepo) SaveProbeResult(entityID string, result *thermal.ProbeResult) error {
	_, err := r.db.Exec(insertProbeSQL,
		uuid.NewString(),
		entityID,
		r.clk.Now().UTC(),
		result.TauValue,
		result.Confidence,
		result.Duration,
		result.FitQuality,
		result.Aborted,
		result.OutdoorTemp,
	)
	if err != nil {
		return fmt.Errorf("insert probe result for %s: %w", entityID, err)
	}
	return nil
}

// LoadProbeHistory returns up to limit probe analyses for an entity, newest
// first.
func (r *ProbeRepo) LoadProbeHistory(entityID string, limit int) ([]thermal.ProbeResult, error) {
	rows, err := r.db.Query(selectProbeHistorySQL, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query probe history for %s: %w", entityID, err)
	}
	defer rows.Close()

	var out []thermal.ProbeResult
	for rows.Next() {
		var p thermal.ProbeResult
		var outdoor sql.NullFloat64
		if err := rows.Scan(&p.TauValue, &p.Confidence, &p.Duration, &p.FitQuality, &p.Aborted, &outdoor); err != nil {
			return nil, fmt.Errorf("scan probe result: %w", err)
		}
		if outdoor.Valid {
			v := outdoor.Float64
			p.OutdoorTemp = &v
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate probe history: %w", err)
	}
	return out, nil
}
