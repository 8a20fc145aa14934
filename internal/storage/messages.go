package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// upsertMessageSQL preserves previously learned body fields: a re-sync that
// carries NULL for body_html/body_markdown/signature must not wipe what an
// earlier fetch or analysis populated. Everything else follows the server.
const upsertMessageSQL = `
INSERT INTO messages (
    id, conversation_id, internet_message_id, subject, sender_name, sender_email,
    to_recipients, cc_recipients, received_at, body_preview, body_html,
    body_markdown, signature_block, thread_summary, suggested_action,
    has_attachments, is_read, folder_id, etag, body_hash, category,
    processed_at, web_link, synced_at
) VALUES (
    :id, :conversation_id, :internet_message_id, :subject, :sender_name, :sender_email,
    :to_recipients, :cc_recipients, :received_at, :body_preview, :body_html,
    :body_markdown, :signature_block, :thread_summary, :suggested_action,
    :has_attachments, :is_read, :folder_id, :etag, :body_hash, :category,
    :processed_at, :web_link, :synced_at
)
ON CONFLICT(id) DO UPDATE SET
    conversation_id     = COALESCE(excluded.conversation_id, messages.conversation_id),
    internet_message_id = COALESCE(excluded.internet_message_id, messages.internet_message_id),
    subject             = excluded.subject,
    sender_name         = excluded.sender_name,
    sender_email        = excluded.sender_email,
    to_recipients       = excluded.to_recipients,
    cc_recipients       = excluded.cc_recipients,
    received_at         = excluded.received_at,
    body_preview        = excluded.body_preview,
    body_html           = COALESCE(excluded.body_html, messages.body_html),
    body_markdown       = COALESCE(excluded.body_markdown, messages.body_markdown),
    signature_block     = COALESCE(excluded.signature_block, messages.signature_block),
    thread_summary      = COALESCE(excluded.thread_summary, messages.thread_summary),
    suggested_action    = COALESCE(excluded.suggested_action, messages.suggested_action),
    has_attachments     = excluded.has_attachments,
    is_read             = excluded.is_read,
    folder_id           = excluded.folder_id,
    etag                = excluded.etag,
    body_hash           = CASE WHEN excluded.body_hash = '' THEN messages.body_hash ELSE excluded.body_hash END,
    category            = COALESCE(excluded.category, messages.category),
    processed_at        = COALESCE(excluded.processed_at, messages.processed_at),
    web_link            = excluded.web_link,
    synced_at           = excluded.synced_at`

func upsertMessage(ctx context.Context, ext sqlx.ExtContext, m *Message) error {
	if m.SyncedAt.IsZero() {
		m.SyncedAt = now()
	}
	if _, err := sqlx.NamedExecContext(ctx, ext, upsertMessageSQL, m); err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return nil
}

// UpsertMessage inserts or updates a message. Idempotent: re-syncing the
// same message yields identical row state apart from synced_at.
func (s *Store) UpsertMessage(ctx context.Context, m *Message) error {
	return upsertMessage(ctx, s.db, m)
}

// UpsertMessage is the transactional variant used by replicator pages.
func (t *Tx) UpsertMessage(ctx context.Context, m *Message) error {
	return upsertMessage(ctx, t.tx, m)
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	err := s.db.GetContext(ctx, &m, `SELECT * FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return &m, nil
}

func deleteMessageCascade(ctx context.Context, ext sqlx.ExtContext, id string) error {
	// Chunks are tied to sources by id, not by FK, so both the message's own
	// chunks and its attachments' chunks go explicitly. Attachments cascade.
	_, err := ext.ExecContext(ctx, `
        DELETE FROM chunks
        WHERE (source_type IN ('email', 'virtual_email') AND source_id = ?)
           OR (source_type = 'attachment' AND source_id IN (
                 SELECT id FROM attachments WHERE message_id = ?))`, id, id)
	if err != nil {
		return fmt.Errorf("delete chunks for message %s: %w", id, err)
	}
	if _, err := ext.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}

// DeleteMessage hard-deletes a message with its attachments and chunks.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return deleteMessageCascade(ctx, tx.tx, id)
	})
}

// DeleteMessage is the transactional variant used by delta removal markers.
func (t *Tx) DeleteMessage(ctx context.Context, id string) error {
	return deleteMessageCascade(ctx, t.tx, id)
}

// CountUnprocessedMessages reports the triage backlog size.
func (s *Store) CountUnprocessedMessages(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM messages WHERE processed_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("count unprocessed: %w", err)
	}
	return n, nil
}

// UnprocessedMessages returns messages awaiting triage, oldest first.
func (s *Store) UnprocessedMessages(ctx context.Context, limit int) ([]Message, error) {
	var out []Message
	err := s.db.SelectContext(ctx, &out, `
        SELECT * FROM messages
        WHERE processed_at IS NULL
        ORDER BY received_at ASC
        LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed: %w", err)
	}
	return out, nil
}

// MessagesNeedingChunks returns messages that have no chunk rows yet.
// Messages with no indexable text at all are excluded so the backlog drains.
func (s *Store) MessagesNeedingChunks(ctx context.Context, limit int) ([]Message, error) {
	var out []Message
	err := s.db.SelectContext(ctx, &out, `
        SELECT m.* FROM messages m
        WHERE NOT EXISTS (
            SELECT 1 FROM chunks c
            WHERE c.source_type IN ('email', 'virtual_email') AND c.source_id = m.id
        )
        AND NOT (m.body_preview = '' AND m.subject = '' AND COALESCE(m.body_markdown, '') = '')
        ORDER BY m.received_at ASC
        LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unchunked messages: %w", err)
	}
	return out, nil
}

// MarkProcessed stamps the final category and processed_at inside the
// caller's per-message transaction.
func (t *Tx) MarkProcessed(ctx context.Context, id, category string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
        UPDATE messages SET category = ?, processed_at = ? WHERE id = ?`,
		category, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", id, err)
	}
	return nil
}

// MessageAnnotations carries analysis-derived message fields.
type MessageAnnotations struct {
	BodyMarkdown    *string
	ThreadSummary   *string
	SignatureBlock  *string
	SuggestedAction *string
}

// SetAnnotations persists analysis output on the message row. Markdown and
// signature use COALESCE preservation; summary and action follow the latest
// analysis.
func (t *Tx) SetAnnotations(ctx context.Context, id string, a MessageAnnotations) error {
	_, err := t.tx.ExecContext(ctx, `
        UPDATE messages SET
            body_markdown    = COALESCE(?, body_markdown),
            signature_block  = COALESCE(?, signature_block),
            thread_summary   = COALESCE(?, thread_summary),
            suggested_action = COALESCE(?, suggested_action)
        WHERE id = ?`,
		a.BodyMarkdown, a.SignatureBlock, a.ThreadSummary, a.SuggestedAction, id)
	if err != nil {
		return fmt.Errorf("annotate message %s: %w", id, err)
	}
	return nil
}

// MessagesSince returns messages received at or after the cutoff, newest
// first. Used by the weekly digest builder.
func (s *Store) MessagesSince(ctx context.Context, cutoff time.Time, limit int) ([]Message, error) {
	var out []Message
	err := s.db.SelectContext(ctx, &out, `
        SELECT * FROM messages
        WHERE received_at >= ?
        ORDER BY received_at DESC
        LIMIT ?`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list messages since: %w", err)
	}
	return out, nil
}
