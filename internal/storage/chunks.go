package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// InsertChunk stores one chunk. Conflicts on (source_type, source_id,
// chunk_index) are ignored, which makes re-chunking an unchanged source a
// no-op rather than an error.
func (s *Store) InsertChunk(ctx context.Context, c *Chunk) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	res, err := s.db.NamedExecContext(ctx, `
        INSERT INTO chunks (source_type, source_id, chunk_index, content,
                            start_offset, end_offset, metadata, created_at)
        VALUES (:source_type, :source_id, :chunk_index, :content,
                :start_offset, :end_offset, :metadata, :created_at)
        ON CONFLICT(source_type, source_id, chunk_index) DO NOTHING`, c)
	if err != nil {
		return fmt.Errorf("insert chunk %s/%s[%d]: %w", c.SourceType, c.SourceID, c.ChunkIndex, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		c.ID = id
	}
	return nil
}

// HasChunks reports whether any chunk exists for the given source.
func (s *Store) HasChunks(ctx context.Context, sourceType SourceType, sourceID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
        SELECT COUNT(*) FROM chunks WHERE source_type = ? AND source_id = ?`,
		sourceType, sourceID)
	if err != nil {
		return false, fmt.Errorf("count chunks: %w", err)
	}
	return n > 0, nil
}

// ChunksMissingEmbedding returns chunks with no vector yet, oldest first.
func (s *Store) ChunksMissingEmbedding(ctx context.Context, limit int) ([]Chunk, error) {
	var out []Chunk
	err := s.db.SelectContext(ctx, &out, `
        SELECT * FROM chunks WHERE embedding IS NULL ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unembedded chunks: %w", err)
	}
	return out, nil
}

// CountChunksMissingEmbedding returns the total backlog for progress reports.
func (s *Store) CountChunksMissingEmbedding(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM chunks WHERE embedding IS NULL`); err != nil {
		return 0, fmt.Errorf("count unembedded chunks: %w", err)
	}
	return n, nil
}

// SetChunkEmbedding attaches a packed vector blob to a chunk.
func (s *Store) SetChunkEmbedding(ctx context.Context, id int64, blob []byte) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE chunks SET embedding = ? WHERE id = ?`, blob, id); err != nil {
		return fmt.Errorf("set embedding for chunk %d: %w", id, err)
	}
	return nil
}

// EmbeddedChunkVector pairs a chunk id with its stored vector blob.
type EmbeddedChunkVector struct {
	ID        int64  `db:"id"`
	Embedding []byte `db:"embedding"`
}

// EmbeddedChunkVectors streams every stored vector for in-process cosine
// ranking. The blobs are small (4·D bytes) so a full scan stays cheap at
// mailbox scale.
func (s *Store) EmbeddedChunkVectors(ctx context.Context) ([]EmbeddedChunkVector, error) {
	var out []EmbeddedChunkVector
	err := s.db.SelectContext(ctx, &out, `
        SELECT id, embedding FROM chunks WHERE embedding IS NOT NULL ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list embedded chunks: %w", err)
	}
	return out, nil
}

// GetChunksByIDs fetches chunks preserving the order of ids.
func (s *Store) GetChunksByIDs(ctx context.Context, ids []int64) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM chunks WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("expand chunk id list: %w", err)
	}
	var rows []Chunk
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("get chunks by ids: %w", err)
	}
	byID := make(map[int64]Chunk, len(rows))
	for _, c := range rows {
		byID[c.ID] = c
	}
	out := make([]Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// SearchChunksFTS runs a BM25-ordered lexical search over chunk content.
// Results come back best-first; rank is the caller's slice index + 1.
func (s *Store) SearchChunksFTS(ctx context.Context, query string, limit int) ([]Chunk, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	var out []Chunk
	err := s.db.SelectContext(ctx, &out, `
        SELECT c.* FROM chunks c
        JOIN chunks_fts f ON f.rowid = c.id
        WHERE chunks_fts MATCH ?
        ORDER BY bm25(chunks_fts)
        LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("chunk fts search: %w", err)
	}
	return out, nil
}

// SearchMessagesFTS runs a BM25-ordered lexical search over message
// subject/sender/body.
func (s *Store) SearchMessagesFTS(ctx context.Context, query string, limit int) ([]Message, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	var out []Message
	err := s.db.SelectContext(ctx, &out, `
        SELECT m.* FROM messages m
        JOIN messages_fts f ON f.rowid = m.rowid
        WHERE messages_fts MATCH ?
        ORDER BY bm25(messages_fts)
        LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("message fts search: %w", err)
	}
	return out, nil
}

// ftsQuery turns free text into a safe FTS5 match expression by quoting
// each term. Operators and column filters in user input are neutralized.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " ")
}

// SourceDetails enriches a chunk with where it came from.
type SourceDetails struct {
	SourceType  SourceType `json:"source_type"`
	EmailID     string     `json:"email_id,omitempty"`
	Subject     string     `json:"subject,omitempty"`
	SenderName  string     `json:"sender_name,omitempty"`
	SenderEmail string     `json:"sender_email,omitempty"`
	ReceivedAt  *time.Time `json:"received_at,omitempty"`
	WebLink     string     `json:"web_link,omitempty"`
	Filename    string     `json:"filename,omitempty"`
}

// ChunkSource resolves the human-facing origin of a chunk: the email for
// email chunks, the filename plus parent email for attachment chunks, and
// the extracted header metadata for virtual emails.
func (s *Store) ChunkSource(ctx context.Context, c *Chunk) (*SourceDetails, error) {
	switch c.SourceType {
	case SourceEmail:
		m, err := s.GetMessage(ctx, c.SourceID)
		if err != nil {
			return nil, err
		}
		recv := m.ReceivedAt
		return &SourceDetails{
			SourceType:  SourceEmail,
			EmailID:     m.ID,
			Subject:     m.Subject,
			SenderName:  m.SenderName,
			SenderEmail: m.SenderEmail,
			ReceivedAt:  &recv,
			WebLink:     m.WebLink,
		}, nil

	case SourceVirtualEmail:
		d := &SourceDetails{SourceType: SourceVirtualEmail}
		if v, ok := c.Metadata["source_email_id"].(string); ok {
			d.EmailID = v
		}
		if v, ok := c.Metadata["extracted_subject"].(string); ok {
			d.Subject = v
		}
		if v, ok := c.Metadata["extracted_sender"].(string); ok {
			d.SenderEmail = v
		}
		return d, nil

	case SourceAttachment:
		var row struct {
			Filename    string    `db:"filename"`
			EmailID     string    `db:"email_id"`
			Subject     string    `db:"subject"`
			SenderName  string    `db:"sender_name"`
			SenderEmail string    `db:"sender_email"`
			ReceivedAt  time.Time `db:"received_at"`
			WebLink     string    `db:"web_link"`
		}
		err := s.db.GetContext(ctx, &row, `
            SELECT a.filename, m.id AS email_id, m.subject, m.sender_name,
                   m.sender_email, m.received_at, m.web_link
            FROM attachments a
            JOIN messages m ON m.id = a.message_id
            WHERE a.id = ?`, c.SourceID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("chunk source for attachment %s: %w", c.SourceID, err)
		}
		recv := row.ReceivedAt
		return &SourceDetails{
			SourceType:  SourceAttachment,
			EmailID:     row.EmailID,
			Subject:     row.Subject,
			SenderName:  row.SenderName,
			SenderEmail: row.SenderEmail,
			ReceivedAt:  &recv,
			WebLink:     row.WebLink,
			Filename:    row.Filename,
		}, nil
	}
	return nil, fmt.Errorf("chunk source: unknown source type %q", c.SourceType)
}
