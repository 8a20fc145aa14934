package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriageHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendTriage(ctx, &TriageEntry{
		EmailID: "msg-1", Action: "move", DestinationFolder: "Newsletters",
		Reason: "bulk mailing list",
	}))
	require.NoError(t, s.AppendTriage(ctx, &TriageEntry{
		EmailID: "msg-2", Action: "categorize", Reason: "direct question from client",
	}))

	history, err := s.TriageHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "msg-2", history[0].EmailID, "newest first")
	assert.Equal(t, "Newsletters", history[1].DestinationFolder)
}

func TestReplyTrackingLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	asked := time.Date(2026, 8, 18, 14, 0, 0, 0, time.UTC)
	require.NoError(t, s.TrackReply(ctx, &ReplyTracking{
		EmailID: "msg-1", ConversationID: "conv-1",
		SenderEmail: "dana@acme.example", Subject: "Can you review?",
		Reason: "direct question", LastActivityAt: asked,
	}))
	// Re-tracking refreshes activity, no duplicate row.
	require.NoError(t, s.TrackReply(ctx, &ReplyTracking{
		EmailID: "msg-1", ConversationID: "conv-1",
		SenderEmail: "dana@acme.example", Subject: "Can you review?",
		Reason: "follow-up ping", LastActivityAt: asked.Add(time.Hour),
	}))

	open, err := s.OpenRepliesOlderThan(ctx, asked.Add(72*time.Hour))
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "follow-up ping", open[0].Reason)

	require.NoError(t, s.MarkReplyNudged(ctx, "msg-1", asked.Add(80*time.Hour)))
	open, err = s.OpenRepliesOlderThan(ctx, asked.Add(100*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, open, "nudged entries are not re-nudged")

	n, err := s.ResolveRepliesForConversation(ctx, "conv-1", asked.Add(90*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = s.ResolveRepliesForConversation(ctx, "conv-1", asked.Add(91*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "already resolved")
}

func TestTriggerLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seen, err := s.SeenTrigger(ctx, "urgent:msg-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.RecordTrigger(ctx, "urgent:msg-1", "urgent_email"))
	require.NoError(t, s.RecordTrigger(ctx, "urgent:msg-1", "urgent_email"))

	seen, err = s.SeenTrigger(ctx, "urgent:msg-1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = s.SeenTrigger(ctx, "urgent:msg-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestDigestLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sent, err := s.DigestSent(ctx, "2026-W34")
	require.NoError(t, err)
	assert.False(t, sent)

	require.NoError(t, s.RecordDigest(ctx, "2026-W34"))
	require.NoError(t, s.RecordDigest(ctx, "2026-W34"))

	sent, err = s.DigestSent(ctx, "2026-W34")
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = s.DigestSent(ctx, "2026-W35")
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestAttachmentExtractionFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMessage("msg-1")
	m.HasAttachments = true
	require.NoError(t, s.UpsertMessage(ctx, m))
	require.NoError(t, s.UpsertAttachmentMeta(ctx, &Attachment{
		ID: "att-big", MessageID: "msg-1", Filename: "deck.pptx",
		ContentType: "application/vnd.ms-powerpoint", SizeBytes: 900000,
	}))
	require.NoError(t, s.UpsertAttachmentMeta(ctx, &Attachment{
		ID: "att-small", MessageID: "msg-1", Filename: "notes.txt",
		ContentType: "text/plain", SizeBytes: 400,
	}))

	pending, err := s.PendingAttachments(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "att-small", pending[0].ID, "smallest first")

	now := time.Now().UTC()
	require.NoError(t, s.SetContentHash(ctx, "att-small", "deadbeefdeadbeefdeadbeefdeadbeef", now))
	require.NoError(t, s.FinalizeExtraction(ctx, "att-small", "these are the meeting notes"))

	text, err := s.FindExtractedTextByHash(ctx, "deadbeefdeadbeefdeadbeefdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, "these are the meeting notes", text)

	_, err = s.FindExtractedTextByHash(ctx, "0000000000000000")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.MarkExtractionState(ctx, "att-big", ExtractionFailed, "converter timed out"))
	a, err := s.GetAttachment(ctx, "att-big")
	require.NoError(t, err)
	assert.Equal(t, ExtractionFailed, a.ExtractionStatus)
	require.NotNil(t, a.ExtractionError)
	assert.Equal(t, "converter timed out", *a.ExtractionError)
	assert.Nil(t, a.ExtractedText)

	// Success state must go through FinalizeExtraction so text is present.
	err = s.MarkExtractionState(ctx, "att-big", ExtractionSuccess, "")
	assert.Error(t, err)

	pending, err = s.PendingAttachments(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A meta re-sync does not reset extraction state.
	require.NoError(t, s.UpsertAttachmentMeta(ctx, &Attachment{
		ID: "att-small", MessageID: "msg-1", Filename: "notes.txt",
		ContentType: "text/plain", SizeBytes: 400,
	}))
	a, err = s.GetAttachment(ctx, "att-small")
	require.NoError(t, err)
	assert.Equal(t, ExtractionSuccess, a.ExtractionStatus)
	require.NotNil(t, a.ExtractedText)
}
