package embedder

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-intel/internal/config"
	"github.com/ignite/inbox-intel/internal/storage"
)

type fakeEncoder struct {
	dims      int
	failCalls int // first N Encode calls error
	badIndex  int // when >= 0, that input gets a wrong-length vector
	calls     int
	batches   [][]string
}

func newFakeEncoder(dims int) *fakeEncoder {
	return &fakeEncoder{dims: dims, badIndex: -1}
}

func (f *fakeEncoder) Encode(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	f.batches = append(f.batches, texts)
	if f.calls <= f.failCalls {
		return nil, errors.New("model overloaded")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		dims := f.dims
		if i == f.badIndex {
			dims = f.dims + 3
		}
		v := make([]float32, dims)
		v[0] = float32(len(texts[i]))
		out[i] = v
	}
	return out, nil
}

func (f *fakeEncoder) Dimensions(context.Context) (int, error) {
	return f.dims, nil
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "embedder.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedEmailChunks(t *testing.T, s *storage.Store, msgID string, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertMessage(ctx, &storage.Message{
		ID:          msgID,
		Subject:     "Budget approval",
		SenderName:  "Dana Scully",
		SenderEmail: "dana@fbi.example",
		ReceivedAt:  time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		FolderID:    "inbox",
	}))
	for i := 0; i < n; i++ {
		require.NoError(t, s.InsertChunk(ctx, &storage.Chunk{
			SourceType: storage.SourceEmail,
			SourceID:   msgID,
			ChunkIndex: i,
			Content:    "Finance signed off on the Q3 numbers.",
		}))
	}
}

func newEmbedder(enc Encoder, s *storage.Store, batch int) *Embedder {
	return New(enc, s, config.EmbeddingConfig{BatchSize: batch})
}

func TestProcessPendingEmbedsBacklog(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedEmailChunks(t, store, "msg-1", 3)

	enc := newFakeEncoder(8)
	var progress [][2]int
	rep, err := newEmbedder(enc, store, 2).ProcessPending(ctx, 50, func(done, total int) {
		progress = append(progress, [2]int{done, total})
	})
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 3, TotalPending: 3}, rep)
	assert.Equal(t, [][2]int{{2, 3}, {3, 3}}, progress)

	left, err := store.CountChunksMissingEmbedding(ctx)
	require.NoError(t, err)
	assert.Zero(t, left)

	vecs, err := store.EmbeddedChunkVectors(ctx)
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	v, err := storage.DecodeVector(vecs[0].Embedding)
	require.NoError(t, err)
	assert.Len(t, v, 8)
}

func TestContextHeaderPrependedForEmail(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedEmailChunks(t, store, "msg-1", 1)

	enc := newFakeEncoder(4)
	_, err := newEmbedder(enc, store, 8).ProcessPending(ctx, 10, nil)
	require.NoError(t, err)

	require.Len(t, enc.batches, 1)
	text := enc.batches[0][0]
	assert.True(t, strings.HasPrefix(text, "Email from Dana Scully <dana@fbi.example> on 2026-08-20: Budget approval"), text)
	assert.Contains(t, text, "Finance signed off")
}

func TestVirtualChunkHeaderUsesMetadata(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.InsertChunk(ctx, &storage.Chunk{
		SourceType: storage.SourceVirtualEmail,
		SourceID:   "msg-2",
		ChunkIndex: 0,
		Content:    "Samples came back clean.",
		Metadata: storage.MetaMap{
			"source_email_id":   "msg-2",
			"extracted_sender":  "skinner@fbi.example",
			"extracted_subject": "Lab results",
			"extracted_date":    "Aug 17, 2026",
		},
	}))

	enc := newFakeEncoder(4)
	_, err := newEmbedder(enc, store, 8).ProcessPending(ctx, 10, nil)
	require.NoError(t, err)

	require.Len(t, enc.batches, 1)
	text := enc.batches[0][0]
	assert.Contains(t, text, "Forwarded message from skinner@fbi.example on Aug 17, 2026: Lab results")
}

func TestAttachmentHeaderNamesFile(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedEmailChunks(t, store, "msg-3", 0)
	require.NoError(t, store.UpsertAttachmentMeta(ctx, &storage.Attachment{
		ID:               "att-1",
		MessageID:        "msg-3",
		Filename:         "report.pdf",
		ContentType:      "application/pdf",
		SizeBytes:        9000,
		ExtractionStatus: storage.ExtractionPending,
	}))
	require.NoError(t, store.InsertChunk(ctx, &storage.Chunk{
		SourceType: storage.SourceAttachment,
		SourceID:   "att-1",
		ChunkIndex: 0,
		Content:    "Revenue grew 14 percent quarter over quarter.",
	}))

	enc := newFakeEncoder(4)
	_, err := newEmbedder(enc, store, 8).ProcessPending(ctx, 10, nil)
	require.NoError(t, err)

	require.Len(t, enc.batches, 1)
	assert.Contains(t, enc.batches[0][0], `Attachment report.pdf from email "Budget approval" sent by dana@fbi.example`)
}

func TestBatchFailureCountsAndContinues(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedEmailChunks(t, store, "msg-1", 4)

	enc := newFakeEncoder(4)
	enc.failCalls = 1
	rep, err := newEmbedder(enc, store, 2).ProcessPending(ctx, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 2, Failed: 2, TotalPending: 4}, rep)

	left, err := store.CountChunksMissingEmbedding(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, left, "failed batch stays pending for the next pass")
}

func TestDimensionMismatchRejectsVector(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedEmailChunks(t, store, "msg-1", 2)

	enc := newFakeEncoder(4)
	enc.badIndex = 1
	rep, err := newEmbedder(enc, store, 8).ProcessPending(ctx, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 1, Failed: 1, TotalPending: 2}, rep)

	left, err := store.CountChunksMissingEmbedding(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, left)
}

func TestLongContentTruncated(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.InsertChunk(ctx, &storage.Chunk{
		SourceType: storage.SourceEmail,
		SourceID:   "msg-long",
		ChunkIndex: 0,
		Content:    strings.Repeat("padding words here ", 300),
	}))

	enc := newFakeEncoder(4)
	_, err := newEmbedder(enc, store, 8).ProcessPending(ctx, 10, nil)
	require.NoError(t, err)

	require.Len(t, enc.batches, 1)
	assert.LessOrEqual(t, len(enc.batches[0][0]), maxEmbedChars)
}

func TestEmptyBacklogSkipsEncoder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	enc := newFakeEncoder(4)
	rep, err := newEmbedder(enc, store, 8).ProcessPending(ctx, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
	assert.Zero(t, enc.calls)
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	s := strings.Repeat("a", 1998) + "héllo"
	out := truncate(s, 2000)
	assert.LessOrEqual(t, len(out), 2000)
	assert.True(t, strings.HasSuffix(out, "h") || strings.HasSuffix(out, "é"))
}
