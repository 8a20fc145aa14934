// Package embedder turns chunks without a vector into embedded chunks. Each
// chunk is prefixed with a short provenance header (who sent it, what it was
// attached to) before encoding, which keeps semantically thin fragments
// anchored to their origin.
package embedder

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/ignite/inbox-intel/internal/config"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/storage"
)

// maxEmbedChars caps header plus content per encoded text.
const maxEmbedChars = 2000

const defaultBatchSize = 8

// Encoder produces vectors for a batch of texts. Implementations must return
// one vector per input, in input order.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions(ctx context.Context) (int, error)
}

// NewEncoder selects the embedding backend from configuration.
func NewEncoder(emb config.EmbeddingConfig, llm config.LLMConfig) (Encoder, error) {
	switch emb.Provider {
	case "openai", "":
		return newOpenAIEncoder(llm.APIKey, emb.Model), nil
	case "bedrock":
		return newTitanEncoder(llm, emb.Model)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", emb.Provider)
	}
}

// Report summarises one embedding pass.
type Report struct {
	Processed    int `json:"processed"`
	Failed       int `json:"failed"`
	TotalPending int `json:"total_pending"`
}

// Embedder drains the unembedded-chunk backlog in batches.
type Embedder struct {
	enc       Encoder
	store     *storage.Store
	batchSize int

	// dims is probed from the model on first use and pinned for the
	// process; vectors of any other length are rejected.
	dims int
}

func New(enc Encoder, store *storage.Store, cfg config.EmbeddingConfig) *Embedder {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Embedder{enc: enc, store: store, batchSize: batch}
}

// ProcessPending embeds up to limit chunks. progress, when non-nil, is
// invoked after each batch with (chunks attempted so far, total backlog).
// Encoding failures fail the batch and the pass moves on.
func (e *Embedder) ProcessPending(ctx context.Context, limit int, progress func(done, total int)) (Report, error) {
	var rep Report

	total, err := e.store.CountChunksMissingEmbedding(ctx)
	if err != nil {
		return rep, err
	}
	rep.TotalPending = total
	if total == 0 {
		return rep, nil
	}

	if e.dims == 0 {
		d, err := e.enc.Dimensions(ctx)
		if err != nil {
			return rep, fmt.Errorf("probe embedding dimensions: %w", err)
		}
		e.dims = d
		logger.Info("embedding dimension pinned", "dims", d)
	}

	chunks, err := e.store.ChunksMissingEmbedding(ctx, limit)
	if err != nil {
		return rep, err
	}

	for start := 0; start < len(chunks); start += e.batchSize {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		end := min(start+e.batchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i := range batch {
			texts[i] = e.embedText(ctx, &batch[i])
		}

		vecs, err := e.enc.Encode(ctx, texts)
		if err != nil {
			logger.Warn("embedding batch failed", "size", len(batch), "error", err)
			rep.Failed += len(batch)
			continue
		}
		if len(vecs) != len(batch) {
			logger.Warn("embedding count mismatch", "want", len(batch), "got", len(vecs))
			rep.Failed += len(batch)
			continue
		}

		for i, v := range vecs {
			if len(v) != e.dims {
				logger.Warn("embedding dimension mismatch",
					"chunk_id", batch[i].ID, "want", e.dims, "got", len(v))
				rep.Failed++
				continue
			}
			if err := e.store.SetChunkEmbedding(ctx, batch[i].ID, storage.EncodeVector(v)); err != nil {
				logger.Warn("store embedding failed", "chunk_id", batch[i].ID, "error", err)
				rep.Failed++
				continue
			}
			rep.Processed++
		}

		if progress != nil {
			progress(end, total)
		}
	}
	return rep, nil
}

// embedText prepends the provenance header and applies the length cap.
func (e *Embedder) embedText(ctx context.Context, c *storage.Chunk) string {
	text := c.Content
	if header := e.contextHeader(ctx, c); header != "" {
		text = header + "\n" + text
	}
	return truncate(text, maxEmbedChars)
}

// contextHeader describes where the chunk came from. A missing source is
// not fatal; the chunk embeds on its content alone.
func (e *Embedder) contextHeader(ctx context.Context, c *storage.Chunk) string {
	src, err := e.store.ChunkSource(ctx, c)
	if err != nil {
		logger.Debug("chunk source unavailable", "chunk_id", c.ID, "error", err)
		return ""
	}
	switch c.SourceType {
	case storage.SourceEmail:
		h := fmt.Sprintf("Email from %s <%s>", src.SenderName, src.SenderEmail)
		if src.ReceivedAt != nil {
			h += " on " + src.ReceivedAt.Format("2006-01-02")
		}
		return h + ": " + src.Subject

	case storage.SourceVirtualEmail:
		h := "Forwarded message"
		if src.SenderEmail != "" {
			h += " from " + src.SenderEmail
		}
		if date, ok := c.Metadata["extracted_date"].(string); ok && date != "" {
			h += " on " + date
		}
		if src.Subject != "" {
			h += ": " + src.Subject
		}
		return h

	case storage.SourceAttachment:
		return fmt.Sprintf("Attachment %s from email %q sent by %s",
			src.Filename, src.Subject, src.SenderEmail)
	}
	return ""
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
