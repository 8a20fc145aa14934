package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SaveAlertRule inserts a compiled rule.
func (s *Store) SaveAlertRule(ctx context.Context, r *AlertRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO alert_rules (id, rule_text, conditions, event_types, channel,
                                 target, cooldown_seconds, enabled,
                                 last_triggered_at, trigger_count, created_at)
        VALUES (:id, :rule_text, :conditions, :event_types, :channel, :target,
                :cooldown_seconds, :enabled, :last_triggered_at, :trigger_count,
                :created_at)`, r)
	if err != nil {
		return fmt.Errorf("save alert rule: %w", err)
	}
	return nil
}

// GetAlertRule returns one rule, or ErrNotFound.
func (s *Store) GetAlertRule(ctx context.Context, id string) (*AlertRule, error) {
	var r AlertRule
	err := s.db.GetContext(ctx, &r, `SELECT * FROM alert_rules WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert rule: %w", err)
	}
	return &r, nil
}

// ListAlertRules returns rules newest first, optionally only enabled ones.
func (s *Store) ListAlertRules(ctx context.Context, enabledOnly bool) ([]AlertRule, error) {
	q := `SELECT * FROM alert_rules ORDER BY created_at DESC`
	if enabledOnly {
		q = `SELECT * FROM alert_rules WHERE enabled = 1 ORDER BY created_at DESC`
	}
	var out []AlertRule
	if err := s.db.SelectContext(ctx, &out, q); err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	return out, nil
}

// SetAlertRuleEnabled toggles a rule without losing its trigger history.
func (s *Store) SetAlertRuleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alert_rules SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("toggle alert rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAlertRule removes a rule and its trigger records.
func (s *Store) DeleteAlertRule(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM alert_rule_triggers WHERE rule_id = ?`, id); err != nil {
			return fmt.Errorf("delete rule triggers: %w", err)
		}
		res, err := tx.tx.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete alert rule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// HasRuleTriggered reports whether a rule already fired for an event. This
// is the at-most-once guard per (rule, event type, event id).
func (s *Store) HasRuleTriggered(ctx context.Context, ruleID, eventType, eventID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
        SELECT COUNT(*) FROM alert_rule_triggers
        WHERE rule_id = ? AND event_type = ? AND event_id = ?`,
		ruleID, eventType, eventID)
	if err != nil {
		return false, fmt.Errorf("check rule trigger: %w", err)
	}
	return n > 0, nil
}

// RecordRuleTrigger writes the firing record and bumps the rule's counters
// in one transaction. A concurrent duplicate is absorbed by the unique key.
func (s *Store) RecordRuleTrigger(ctx context.Context, tr *AlertTrigger) error {
	if tr.TriggeredAt.IsZero() {
		tr.TriggeredAt = now()
	}
	return s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.NamedExecContext(ctx, `
            INSERT OR IGNORE INTO alert_rule_triggers (rule_id, event_type,
                                                       event_id, match_reason, triggered_at)
            VALUES (:rule_id, :event_type, :event_id, :match_reason, :triggered_at)`, tr)
		if err != nil {
			return fmt.Errorf("record rule trigger: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("record rule trigger: %w", err)
		}
		if n == 0 {
			return nil
		}
		_, err = tx.tx.ExecContext(ctx, `
            UPDATE alert_rules
            SET last_triggered_at = ?, trigger_count = trigger_count + 1
            WHERE id = ?`, tr.TriggeredAt, tr.RuleID)
		if err != nil {
			return fmt.Errorf("bump rule counters: %w", err)
		}
		return nil
	})
}

// ListRuleTriggers returns recent firings, optionally for one rule.
func (s *Store) ListRuleTriggers(ctx context.Context, ruleID string, limit int) ([]AlertTrigger, error) {
	var out []AlertTrigger
	var err error
	if ruleID == "" {
		err = s.db.SelectContext(ctx, &out,
			`SELECT * FROM alert_rule_triggers ORDER BY triggered_at DESC LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &out,
			`SELECT * FROM alert_rule_triggers WHERE rule_id = ? ORDER BY triggered_at DESC LIMIT ?`,
			ruleID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list rule triggers: %w", err)
	}
	return out, nil
}
