package chunker

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-intel/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "chunker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMessage(t *testing.T, s *storage.Store, id, subject, markdown string) {
	t.Helper()
	m := &storage.Message{
		ID:          id,
		Subject:     subject,
		SenderName:  "Sender",
		SenderEmail: "sender@acme.example",
		ReceivedAt:  time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		BodyPreview: firstChars(markdown, 120),
		FolderID:    "inbox",
	}
	if markdown != "" {
		m.BodyMarkdown = &markdown
	}
	require.NoError(t, s.UpsertMessage(context.Background(), m))
}

func seedExtractedAttachment(t *testing.T, s *storage.Store, id, msgID, filename, text string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertAttachmentMeta(ctx, &storage.Attachment{
		ID:               id,
		MessageID:        msgID,
		Filename:         filename,
		ContentType:      "application/pdf",
		SizeBytes:        int64(len(text)),
		ExtractionStatus: storage.ExtractionPending,
	}))
	require.NoError(t, s.FinalizeExtraction(ctx, id, text))
}

func chunksFor(t *testing.T, s *storage.Store, st storage.SourceType, id string) []storage.Chunk {
	t.Helper()
	all, err := s.ChunksMissingEmbedding(context.Background(), 500)
	require.NoError(t, err)
	var out []storage.Chunk
	for _, c := range all {
		if c.SourceType == st && c.SourceID == id {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out
}

func firstChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func TestPlainMessageSingleChunk(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMessage(t, store, "msg-1", "Lunch plans", "Anyone up for tacos on Thursday?\n\nNew place opened on 5th.")

	rep, err := New(store).ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, Report{Messages: 1, Chunks: 1}, rep)

	chunks := chunksFor(t, store, storage.SourceEmail, "msg-1")
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, "Anyone up for tacos on Thursday?\n\nNew place opened on 5th.", chunks[0].Content)
}

func TestReplyStripsQuotedMaterial(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	body := strings.Join([]string{
		"Works for me, see you there.",
		"",
		"On Mon, Aug 17, 2026 at 9:02 AM Dana Scully <dana@fbi.example> wrote:",
		"> Anyone up for tacos on Thursday?",
		"> New place opened on 5th.",
	}, "\n")
	seedMessage(t, store, "msg-2", "Re: Lunch plans", body)

	_, err := New(store).ProcessPending(ctx, 10)
	require.NoError(t, err)

	chunks := chunksFor(t, store, storage.SourceEmail, "msg-2")
	require.Len(t, chunks, 1)
	assert.Equal(t, "Works for me, see you there.", chunks[0].Content)
	assert.Empty(t, chunksFor(t, store, storage.SourceVirtualEmail, "msg-2"))
}

func TestForwardChainEmitsVirtualEmails(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	body := strings.Join([]string{
		"FYI, thread below covers the budget question.",
		"",
		"---------- Forwarded message ---------",
		"From: Dana Scully <dana@fbi.example>",
		"Date: Mon, Aug 17, 2026 at 3:14 PM",
		"Subject: Budget approval",
		"To: Fox Mulder <fox@fbi.example>",
		"",
		"Finance signed off on the Q3 numbers this morning.",
		"",
		"From: Walter Skinner <skinner@fbi.example>",
		"Sent: Monday, August 17, 2026 1:05 PM",
		"Subject: RE: Budget approval",
		"",
		"Send me the revised sheet before the board call.",
	}, "\n")
	seedMessage(t, store, "msg-3", "Fwd: Budget approval", body)

	rep, err := New(store).ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, Report{Messages: 1, Chunks: 3}, rep)

	lead := chunksFor(t, store, storage.SourceEmail, "msg-3")
	require.Len(t, lead, 1)
	assert.Equal(t, "FYI, thread below covers the budget question.", lead[0].Content)

	virt := chunksFor(t, store, storage.SourceVirtualEmail, "msg-3")
	require.Len(t, virt, 2)

	assert.Equal(t, 0, virt[0].ChunkIndex)
	assert.Equal(t, "dana@fbi.example", virt[0].Metadata["extracted_sender"])
	assert.Equal(t, "Budget approval", virt[0].Metadata["extracted_subject"])
	assert.Equal(t, "msg-3", virt[0].Metadata["source_email_id"])
	assert.EqualValues(t, 1, virt[0].Metadata["position_in_chain"])
	assert.Contains(t, virt[0].Content, "Finance signed off")
	assert.Contains(t, virt[0].Content, "From: Dana Scully <dana@fbi.example>")

	assert.Equal(t, 1, virt[1].ChunkIndex)
	assert.Equal(t, "skinner@fbi.example", virt[1].Metadata["extracted_sender"])
	assert.Equal(t, "RE: Budget approval", virt[1].Metadata["extracted_subject"])
	assert.EqualValues(t, 2, virt[1].Metadata["position_in_chain"])
	assert.Contains(t, virt[1].Content, "revised sheet")
}

func TestVirtualChunkResolvesSource(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	body := strings.Join([]string{
		"Passing this along.",
		"",
		"From: Dana Scully <dana@fbi.example>",
		"Date: Aug 17, 2026",
		"Subject: Lab results",
		"",
		"Samples came back clean.",
	}, "\n")
	seedMessage(t, store, "msg-4", "Fwd: Lab results", body)

	_, err := New(store).ProcessPending(ctx, 10)
	require.NoError(t, err)

	virt := chunksFor(t, store, storage.SourceVirtualEmail, "msg-4")
	require.Len(t, virt, 1)

	src, err := store.ChunkSource(ctx, &virt[0])
	require.NoError(t, err)
	assert.Equal(t, storage.SourceVirtualEmail, src.SourceType)
	assert.Equal(t, "msg-4", src.EmailID)
	assert.Equal(t, "Lab results", src.Subject)
	assert.Equal(t, "dana@fbi.example", src.SenderEmail)
}

func TestBodylessMessageFallsBackToSubject(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMessage(t, store, "msg-5", "Quarterly sync", "")

	rep, err := New(store).ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, Report{Messages: 1, Chunks: 1}, rep)

	chunks := chunksFor(t, store, storage.SourceEmail, "msg-5")
	require.Len(t, chunks, 1)
	assert.Equal(t, "Quarterly sync", chunks[0].Content)
}

func TestRechunkIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMessage(t, store, "msg-6", "Once", "Chunk me a single time.")

	c := New(store)
	first, err := c.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Messages)

	second, err := c.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, Report{}, second)

	assert.Len(t, chunksFor(t, store, storage.SourceEmail, "msg-6"), 1)
}

func TestAttachmentPackingRespectsBounds(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMessage(t, store, "msg-7", "Report attached", "See attached.")

	var b strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "Paragraph %d of the quarterly report. It runs long enough to force the packer across several boundaries while staying realistic prose.\n\n", i)
	}
	text := strings.TrimSpace(b.String())
	seedExtractedAttachment(t, store, "att-1", "msg-7", "report.pdf", text)

	rep, err := New(store).ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Attachments)
	assert.GreaterOrEqual(t, rep.Chunks, 3)

	chunks := chunksFor(t, store, storage.SourceAttachment, "att-1")
	require.Equal(t, rep.Chunks-1, len(chunks)) // one chunk belongs to the message body

	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.LessOrEqual(t, len(c.Content), chunkMaxBytes)
		assert.NotEmpty(t, c.Content)

		require.NotNil(t, c.StartOffset)
		require.NotNil(t, c.EndOffset)
		assert.Equal(t, c.Content, text[*c.StartOffset:*c.EndOffset], "offsets index the source text")

		if i > 0 {
			assert.Less(t, *c.StartOffset, *chunks[i-1].EndOffset, "consecutive chunks overlap")
		}
	}
}

func TestShortAttachmentNotChunked(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMessage(t, store, "msg-8", "Note attached", "See attached.")
	seedExtractedAttachment(t, store, "att-2", "msg-8", "note.txt", strings.Repeat("short text. ", 20))

	rep, err := New(store).ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Attachments)
	assert.Empty(t, chunksFor(t, store, storage.SourceAttachment, "att-2"))
}
