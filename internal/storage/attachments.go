package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// upsertAttachmentSQL refreshes server-side metadata without disturbing
// extraction state: a re-synced message must not reset finished extractions
// back to pending.
const upsertAttachmentSQL = `
INSERT INTO attachments (id, message_id, filename, content_type, size_bytes, extraction_status)
VALUES (:id, :message_id, :filename, :content_type, :size_bytes, 'pending')
ON CONFLICT(id) DO UPDATE SET
    filename     = excluded.filename,
    content_type = excluded.content_type,
    size_bytes   = excluded.size_bytes`

func upsertAttachmentMeta(ctx context.Context, ext sqlx.ExtContext, a *Attachment) error {
	if _, err := sqlx.NamedExecContext(ctx, ext, upsertAttachmentSQL, a); err != nil {
		return fmt.Errorf("upsert attachment %s: %w", a.ID, err)
	}
	return nil
}

// UpsertAttachmentMeta stores attachment metadata with status pending.
func (s *Store) UpsertAttachmentMeta(ctx context.Context, a *Attachment) error {
	return upsertAttachmentMeta(ctx, s.db, a)
}

// UpsertAttachmentMeta is the transactional variant used by replicator pages.
func (t *Tx) UpsertAttachmentMeta(ctx context.Context, a *Attachment) error {
	return upsertAttachmentMeta(ctx, t.tx, a)
}

// GetAttachment fetches one attachment by id.
func (s *Store) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	var a Attachment
	err := s.db.GetContext(ctx, &a, `SELECT * FROM attachments WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment %s: %w", id, err)
	}
	return &a, nil
}

// PendingAttachments returns up to limit attachments awaiting extraction,
// smallest first so quick wins land before large documents.
func (s *Store) PendingAttachments(ctx context.Context, limit int) ([]Attachment, error) {
	var out []Attachment
	err := s.db.SelectContext(ctx, &out, `
        SELECT * FROM attachments
        WHERE extraction_status = 'pending'
        ORDER BY size_bytes ASC
        LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending attachments: %w", err)
	}
	return out, nil
}

// CountPendingAttachments reports the extraction backlog size.
func (s *Store) CountPendingAttachments(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM attachments WHERE extraction_status = 'pending'`)
	if err != nil {
		return 0, fmt.Errorf("count pending attachments: %w", err)
	}
	return n, nil
}

// FindExtractedTextByHash returns the extracted text of any attachment that
// already succeeded with the same content hash, or ErrNotFound.
func (s *Store) FindExtractedTextByHash(ctx context.Context, hash string) (string, error) {
	var text string
	err := s.db.GetContext(ctx, &text, `
        SELECT extracted_text FROM attachments
        WHERE content_hash = ? AND extraction_status = 'success' AND extracted_text IS NOT NULL
        LIMIT 1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find extracted by hash: %w", err)
	}
	return text, nil
}

// SetContentHash records the hash before extraction finalizes so a parallel
// duplicate can reuse the result once it lands.
func (s *Store) SetContentHash(ctx context.Context, id, hash string, downloadedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE attachments SET content_hash = ?, downloaded_at = ? WHERE id = ?`,
		hash, downloadedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("set content hash %s: %w", id, err)
	}
	return nil
}

// FinalizeExtraction marks an attachment successfully extracted. The text is
// required; status success and a NULL text must never coexist.
func (s *Store) FinalizeExtraction(ctx context.Context, id, text string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE attachments SET
            extraction_status = 'success',
            extracted_text    = ?,
            extraction_error  = NULL,
            extracted_at      = ?
        WHERE id = ?`, text, now(), id)
	if err != nil {
		return fmt.Errorf("finalize extraction %s: %w", id, err)
	}
	return nil
}

// MarkExtractionState records a terminal non-success state (failed,
// unsupported, skipped) with an optional error message.
func (s *Store) MarkExtractionState(ctx context.Context, id string, status ExtractionStatus, errMsg string) error {
	if status == ExtractionSuccess {
		return fmt.Errorf("mark extraction state: success requires FinalizeExtraction")
	}
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	_, err := s.db.ExecContext(ctx, `
        UPDATE attachments SET
            extraction_status = ?,
            extraction_error  = ?,
            extracted_text    = NULL,
            extracted_at      = ?
        WHERE id = ?`, status, msg, now(), id)
	if err != nil {
		return fmt.Errorf("mark extraction %s %s: %w", id, status, err)
	}
	return nil
}

// AttachmentsNeedingChunks returns successfully extracted attachments whose
// text is long enough to segment and which have no chunks yet.
func (s *Store) AttachmentsNeedingChunks(ctx context.Context, minLength, limit int) ([]Attachment, error) {
	var out []Attachment
	err := s.db.SelectContext(ctx, &out, `
        SELECT a.* FROM attachments a
        WHERE a.extraction_status = 'success'
          AND length(a.extracted_text) > ?
          AND NOT EXISTS (
              SELECT 1 FROM chunks c
              WHERE c.source_type = 'attachment' AND c.source_id = a.id
          )
        ORDER BY a.size_bytes ASC
        LIMIT ?`, minLength, limit)
	if err != nil {
		return nil, fmt.Errorf("list unchunked attachments: %w", err)
	}
	return out, nil
}
