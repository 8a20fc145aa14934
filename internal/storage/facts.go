package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InsertFact stores one extracted fact. The unique key over
// (source_type, source_id, fact_type, fact_value) makes re-extracting the
// same source idempotent; duplicates are silently skipped.
func (s *Store) InsertFact(ctx context.Context, f *Fact) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = FactActive
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now()
	}
	_, err := s.db.NamedExecContext(ctx, `
        INSERT OR IGNORE INTO facts (id, source_type, source_id, fact_type,
                                     fact_value, context, confidence,
                                     entity_normalized, due_date, status, created_at)
        VALUES (:id, :source_type, :source_id, :fact_type, :fact_value,
                :context, :confidence, :entity_normalized, :due_date, :status,
                :created_at)`, f)
	if err != nil {
		return fmt.Errorf("insert fact %s=%q: %w", f.FactType, f.FactValue, err)
	}
	return nil
}

// FactFilter narrows ListFacts. Zero values match everything.
type FactFilter struct {
	FactType string
	Status   FactStatus
	Entity   string
	Limit    int
}

// ListFacts returns facts newest first under the given filter.
func (s *Store) ListFacts(ctx context.Context, f FactFilter) ([]Fact, error) {
	var conds []string
	var args []any
	if f.FactType != "" {
		conds = append(conds, "fact_type = ?")
		args = append(args, f.FactType)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Entity != "" {
		conds = append(conds, "entity_normalized = ?")
		args = append(args, strings.ToLower(f.Entity))
	}
	q := `SELECT * FROM facts`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	var out []Fact
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	return out, nil
}

// FactsForSource returns every fact extracted from one source.
func (s *Store) FactsForSource(ctx context.Context, sourceType, sourceID string) ([]Fact, error) {
	var out []Fact
	err := s.db.SelectContext(ctx, &out, `
        SELECT * FROM facts WHERE source_type = ? AND source_id = ?
        ORDER BY created_at ASC`, sourceType, sourceID)
	if err != nil {
		return nil, fmt.Errorf("facts for source: %w", err)
	}
	return out, nil
}

// SetFactStatus transitions one fact.
func (s *Store) SetFactStatus(ctx context.Context, id string, status FactStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE facts SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set fact status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireFacts marks active facts whose due date has passed as expired.
func (t *Tx) ExpireFacts(ctx context.Context, asOf time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
        UPDATE facts SET status = ?
        WHERE status = ? AND due_date IS NOT NULL AND due_date < ?`,
		FactExpired, FactActive, asOf)
	if err != nil {
		return 0, fmt.Errorf("expire facts: %w", err)
	}
	return res.RowsAffected()
}
