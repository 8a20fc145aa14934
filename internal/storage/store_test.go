package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "inbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(id string) *Message {
	conv := "conv-" + id
	return &Message{
		ID:             id,
		ConversationID: &conv,
		Subject:        "Quarterly invoice",
		SenderName:     "Dana Smith",
		SenderEmail:    "dana@acme.example",
		ToRecipients:   StringList{"user@corp.example"},
		CcRecipients:   StringList{},
		ReceivedAt:     time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC),
		BodyPreview:    "Please find the invoice attached",
		FolderID:       "inbox-folder",
		ETag:           `W/"tag1"`,
		BodyHash:       "abc123",
		WebLink:        "https://outlook.example/msg/" + id,
	}
}

func TestOpenCreatesSchema(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Messages)
	assert.EqualValues(t, 0, stats.Chunks)

	assert.Equal(t, "ok", s.CheckIntegrity(ctx))
}

func TestUpsertMessageRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMessage("msg-1")
	require.NoError(t, s.UpsertMessage(ctx, m))

	got, err := s.GetMessage(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "Quarterly invoice", got.Subject)
	require.NotNil(t, got.ConversationID)
	assert.Equal(t, "conv-msg-1", *got.ConversationID)
	assert.Equal(t, StringList{"user@corp.example"}, got.ToRecipients)
	assert.WithinDuration(t, m.ReceivedAt, got.ReceivedAt, time.Second)
	assert.Nil(t, got.ProcessedAt)
}

func TestUpsertMessagePreservesAnnotations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMessage(ctx, testMessage("msg-1")))

	md := "# Invoice\n\nPlease pay by Friday."
	summary := "Vendor sent Q3 invoice."
	action := "keep"
	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.SetAnnotations(ctx, "msg-1", MessageAnnotations{
			BodyMarkdown:    &md,
			ThreadSummary:   &summary,
			SuggestedAction: &action,
		})
	})
	require.NoError(t, err)

	// A later delta re-sync carries no annotations; they must survive.
	again := testMessage("msg-1")
	again.Subject = "Quarterly invoice (updated)"
	again.IsRead = true
	require.NoError(t, s.UpsertMessage(ctx, again))

	got, err := s.GetMessage(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "Quarterly invoice (updated)", got.Subject)
	assert.True(t, got.IsRead)
	require.NotNil(t, got.BodyMarkdown)
	assert.Equal(t, md, *got.BodyMarkdown)
	require.NotNil(t, got.ThreadSummary)
	assert.Equal(t, summary, *got.ThreadSummary)
	require.NotNil(t, got.SuggestedAction)
	assert.Equal(t, action, *got.SuggestedAction)
}

func TestGetMessageNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetMessage(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteMessageCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMessage("msg-1")
	m.HasAttachments = true
	require.NoError(t, s.UpsertMessage(ctx, m))
	require.NoError(t, s.UpsertAttachmentMeta(ctx, &Attachment{
		ID: "att-1", MessageID: "msg-1", Filename: "invoice.pdf",
		ContentType: "application/pdf", SizeBytes: 12345,
	}))
	require.NoError(t, s.InsertChunk(ctx, &Chunk{
		SourceType: SourceEmail, SourceID: "msg-1", ChunkIndex: 0, Content: "body text",
	}))
	require.NoError(t, s.InsertChunk(ctx, &Chunk{
		SourceType: SourceAttachment, SourceID: "att-1", ChunkIndex: 0, Content: "pdf text",
	}))

	require.NoError(t, s.DeleteMessage(ctx, "msg-1"))

	_, err := s.GetMessage(ctx, "msg-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAttachment(ctx, "att-1")
	assert.ErrorIs(t, err, ErrNotFound)

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Chunks)
}

func TestUnprocessedAndMarkProcessed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testMessage("msg-1")
	second := testMessage("msg-2")
	second.ReceivedAt = first.ReceivedAt.Add(time.Hour)
	require.NoError(t, s.UpsertMessage(ctx, first))
	require.NoError(t, s.UpsertMessage(ctx, second))

	pending, err := s.UnprocessedMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "msg-1", pending[0].ID, "oldest first")

	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkProcessed(ctx, "msg-1", "finance", time.Now().UTC())
	})
	require.NoError(t, err)

	pending, err = s.UnprocessedMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "msg-2", pending[0].ID)
}

func TestMessageFTSFollowsUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMessage("msg-1")
	m.BodyPreview = "the zebra budget is ready"
	require.NoError(t, s.UpsertMessage(ctx, m))

	hits, err := s.SearchMessagesFTS(ctx, "zebra", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "msg-1", hits[0].ID)

	// Once markdown lands it replaces the preview in the index.
	md := "full giraffe report attached"
	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.SetAnnotations(ctx, "msg-1", MessageAnnotations{BodyMarkdown: &md})
	})
	require.NoError(t, err)

	hits, err = s.SearchMessagesFTS(ctx, "giraffe", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = s.SearchMessagesFTS(ctx, "zebra", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Deletes drop out of the index too.
	require.NoError(t, s.DeleteMessage(ctx, "msg-1"))
	hits, err = s.SearchMessagesFTS(ctx, "giraffe", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestInsertChunkIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMessage(ctx, testMessage("msg-1")))
	c := &Chunk{SourceType: SourceEmail, SourceID: "msg-1", ChunkIndex: 0, Content: "hello world"}
	require.NoError(t, s.InsertChunk(ctx, c))
	require.NoError(t, s.InsertChunk(ctx, &Chunk{
		SourceType: SourceEmail, SourceID: "msg-1", ChunkIndex: 0, Content: "hello world",
	}))

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Chunks)
}

func TestChunkEmbeddingLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMessage(ctx, testMessage("msg-1")))
	c := &Chunk{SourceType: SourceEmail, SourceID: "msg-1", ChunkIndex: 0, Content: "alpha beta"}
	require.NoError(t, s.InsertChunk(ctx, c))
	require.NotZero(t, c.ID)

	missing, err := s.ChunksMissingEmbedding(ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)

	vec := EncodeVector([]float32{0.1, 0.2, 0.3})
	require.NoError(t, s.SetChunkEmbedding(ctx, c.ID, vec))

	missing, err = s.ChunksMissingEmbedding(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)

	vecs, err := s.EmbeddedChunkVectors(ctx)
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	decoded, err := DecodeVector(vecs[0].Embedding)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, decoded[1], 1e-6)
}

func TestSearchChunksFTS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMessage(ctx, testMessage("msg-1")))
	require.NoError(t, s.InsertChunk(ctx, &Chunk{
		SourceType: SourceEmail, SourceID: "msg-1", ChunkIndex: 0,
		Content: "kubernetes cluster upgrade scheduled for friday",
	}))
	require.NoError(t, s.InsertChunk(ctx, &Chunk{
		SourceType: SourceEmail, SourceID: "msg-1", ChunkIndex: 1,
		Content: "lunch menu for the week",
	}))

	hits, err := s.SearchChunksFTS(ctx, "kubernetes upgrade", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 0, hits[0].ChunkIndex)

	// Operator characters in user input must not break the query.
	_, err = s.SearchChunksFTS(ctx, `"unbalanced AND (`, 10)
	assert.NoError(t, err)
}

func TestChunkSourceResolution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMessage(ctx, testMessage("msg-1")))
	require.NoError(t, s.UpsertAttachmentMeta(ctx, &Attachment{
		ID: "att-1", MessageID: "msg-1", Filename: "report.docx",
		ContentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		SizeBytes:   999,
	}))

	emailChunk := &Chunk{SourceType: SourceEmail, SourceID: "msg-1", ChunkIndex: 0, Content: "x"}
	require.NoError(t, s.InsertChunk(ctx, emailChunk))
	src, err := s.ChunkSource(ctx, emailChunk)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly invoice", src.Subject)
	assert.Equal(t, "dana@acme.example", src.SenderEmail)

	attChunk := &Chunk{SourceType: SourceAttachment, SourceID: "att-1", ChunkIndex: 0, Content: "y"}
	require.NoError(t, s.InsertChunk(ctx, attChunk))
	src, err = s.ChunkSource(ctx, attChunk)
	require.NoError(t, err)
	assert.Equal(t, "report.docx", src.Filename)
	assert.Equal(t, "msg-1", src.EmailID)

	virtChunk := &Chunk{
		SourceType: SourceVirtualEmail, SourceID: "msg-1", ChunkIndex: 1, Content: "z",
		Metadata: MetaMap{
			"source_email_id":   "msg-1",
			"extracted_subject": "FW: original subject",
			"extracted_sender":  "orig@sender.example",
		},
	}
	src, err = s.ChunkSource(ctx, virtChunk)
	require.NoError(t, err)
	assert.Equal(t, "FW: original subject", src.Subject)
	assert.Equal(t, "orig@sender.example", src.SenderEmail)
}

func TestSyncStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSyncState(ctx, "folder-1")
	assert.ErrorIs(t, err, ErrNotFound)

	tokenA := "token-a"
	st := &SyncState{
		FolderID:       "folder-1",
		DeltaToken:     &tokenA,
		SyncKind:       SyncInitial,
		MessagesSynced: 41,
	}
	require.NoError(t, s.SaveSyncState(ctx, st))

	tokenB := "token-b"
	st.DeltaToken = &tokenB
	st.SyncKind = SyncDelta
	require.NoError(t, s.SaveSyncState(ctx, st))

	got, err := s.GetSyncState(ctx, "folder-1")
	require.NoError(t, err)
	require.NotNil(t, got.DeltaToken)
	assert.Equal(t, "token-b", *got.DeltaToken)
	assert.Equal(t, SyncDelta, got.SyncKind)
	assert.EqualValues(t, 41, got.MessagesSynced)
	assert.False(t, got.LastSyncAt.IsZero())

	all, err := s.ListSyncStates(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.ClearSyncState(ctx, "folder-1"))
	_, err = s.GetSyncState(ctx, "folder-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertMessage(ctx, testMessage("msg-1")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetMessage(ctx, "msg-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertMessageWriteFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectExec("INSERT INTO messages").WillReturnError(errors.New("disk I/O error"))

	s := NewWithDB(sqlx.NewDb(mockDB, "sqlite"))
	err = s.UpsertMessage(context.Background(), testMessage("msg-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}
