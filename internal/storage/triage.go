package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// --- triage log ---

func appendTriage(ctx context.Context, ext sqlx.ExtContext, e *TriageEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	_, err := sqlx.NamedExecContext(ctx, ext, `
        INSERT INTO triage_log (email_id, action, destination_folder, reason, created_at)
        VALUES (:email_id, :action, :destination_folder, :reason, :created_at)`, e)
	if err != nil {
		return fmt.Errorf("append triage log: %w", err)
	}
	return nil
}

// AppendTriage records one triage action for an email.
func (s *Store) AppendTriage(ctx context.Context, e *TriageEntry) error {
	return appendTriage(ctx, s.db, e)
}

func (t *Tx) AppendTriage(ctx context.Context, e *TriageEntry) error {
	return appendTriage(ctx, t.tx, e)
}

// TriageHistory returns recent triage actions, newest first.
func (s *Store) TriageHistory(ctx context.Context, limit int) ([]TriageEntry, error) {
	var out []TriageEntry
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM triage_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("triage history: %w", err)
	}
	return out, nil
}

// --- reply tracking ---

func trackReply(ctx context.Context, ext sqlx.ExtContext, r *ReplyTracking) error {
	if r.LastActivityAt.IsZero() {
		r.LastActivityAt = now()
	}
	_, err := sqlx.NamedExecContext(ctx, ext, `
        INSERT INTO reply_tracking (email_id, conversation_id, sender_email,
                                    subject, reason, last_activity_at,
                                    nudge_scheduled_at, resolved_at)
        VALUES (:email_id, :conversation_id, :sender_email, :subject, :reason,
                :last_activity_at, :nudge_scheduled_at, :resolved_at)
        ON CONFLICT(email_id) DO UPDATE SET
            reason           = excluded.reason,
            last_activity_at = excluded.last_activity_at`, r)
	if err != nil {
		return fmt.Errorf("track reply for %s: %w", r.EmailID, err)
	}
	return nil
}

// TrackReply registers an email as awaiting the user's reply. Repeated
// tracking of the same email refreshes the activity timestamp but keeps an
// existing resolution.
func (s *Store) TrackReply(ctx context.Context, r *ReplyTracking) error {
	return trackReply(ctx, s.db, r)
}

func (t *Tx) TrackReply(ctx context.Context, r *ReplyTracking) error {
	return trackReply(ctx, t.tx, r)
}

// ResolveRepliesForConversation closes open reply entries for a conversation.
// Called when the user's own message in that conversation syncs in.
func (s *Store) ResolveRepliesForConversation(ctx context.Context, conversationID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE reply_tracking SET resolved_at = ?
        WHERE conversation_id = ? AND resolved_at IS NULL`, at, conversationID)
	if err != nil {
		return 0, fmt.Errorf("resolve replies for %s: %w", conversationID, err)
	}
	return res.RowsAffected()
}

// OpenRepliesOlderThan finds unresolved reply entries idle since cutoff with
// no nudge sent yet.
func (s *Store) OpenRepliesOlderThan(ctx context.Context, cutoff time.Time) ([]ReplyTracking, error) {
	var out []ReplyTracking
	err := s.db.SelectContext(ctx, &out, `
        SELECT * FROM reply_tracking
        WHERE resolved_at IS NULL AND nudge_scheduled_at IS NULL
          AND last_activity_at < ?
        ORDER BY last_activity_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("open reply scan: %w", err)
	}
	return out, nil
}

// MarkReplyNudged records that a follow-up was emitted for an email.
func (s *Store) MarkReplyNudged(ctx context.Context, emailID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reply_tracking SET nudge_scheduled_at = ? WHERE email_id = ?`, at, emailID)
	if err != nil {
		return fmt.Errorf("mark reply nudged: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- trigger ledger ---

// SeenTrigger reports whether a dedupe key was already emitted.
func (s *Store) SeenTrigger(ctx context.Context, dedupeKey string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM trigger_ledger WHERE dedupe_key = ?`, dedupeKey)
	if err != nil {
		return false, fmt.Errorf("check trigger ledger: %w", err)
	}
	return n > 0, nil
}

// RecordTrigger writes a dedupe key to the ledger. Duplicate keys are
// absorbed, so racing emitters cannot fail each other.
func (s *Store) RecordTrigger(ctx context.Context, dedupeKey, kind string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO trigger_ledger (dedupe_key, trigger_id, emitted_at)
        VALUES (?, ?, ?)`, dedupeKey, kind, now())
	if err != nil {
		return fmt.Errorf("record trigger %s: %w", dedupeKey, err)
	}
	return nil
}

// --- digest ledger ---

// DigestSent reports whether the weekly digest already went out for an ISO
// week such as "2026-W34".
func (s *Store) DigestSent(ctx context.Context, isoWeek string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM digest_ledger WHERE iso_week = ?`, isoWeek)
	if err != nil {
		return false, fmt.Errorf("check digest ledger: %w", err)
	}
	return n > 0, nil
}

// RecordDigest marks an ISO week's digest as sent.
func (s *Store) RecordDigest(ctx context.Context, isoWeek string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO digest_ledger (iso_week, emitted_at) VALUES (?, ?)`,
		isoWeek, now())
	if err != nil {
		return fmt.Errorf("record digest %s: %w", isoWeek, err)
	}
	return nil
}
