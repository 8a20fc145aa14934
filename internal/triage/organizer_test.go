package triage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-intel/internal/config"
	"github.com/ignite/inbox-intel/internal/graph"
	"github.com/ignite/inbox-intel/internal/llm"
	"github.com/ignite/inbox-intel/internal/storage"
	"github.com/ignite/inbox-intel/internal/trigger"
)

const testUser = "user@corp.example"

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "triage_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMessage(t *testing.T, s *storage.Store, id string, receivedAt time.Time) *storage.Message {
	t.Helper()
	conv := "conv-" + id
	m := &storage.Message{
		ID:             id,
		ConversationID: &conv,
		Subject:        "Subject " + id,
		SenderName:     "Dana Scully",
		SenderEmail:    "dana@fbi.example",
		ToRecipients:   storage.StringList{testUser},
		ReceivedAt:     receivedAt,
		BodyPreview:    "preview " + id,
		FolderID:       "inbox",
		ETag:           "etag-" + id,
		BodyHash:       "hash-" + id,
		SyncedAt:       time.Now().UTC(),
	}
	require.NoError(t, s.UpsertMessage(context.Background(), m))
	return m
}

type fakeMailbox struct {
	patches   map[string]graph.MessagePatch
	moves     map[string]string
	folders   map[string]string
	ensures   int
	updateErr error
	moveErr   error
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		patches: make(map[string]graph.MessagePatch),
		moves:   make(map[string]string),
		folders: make(map[string]string),
	}
}

func (f *fakeMailbox) UpdateMessage(_ context.Context, id string, patch graph.MessagePatch) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.patches[id] = patch
	return nil
}

func (f *fakeMailbox) MoveMessage(_ context.Context, id, dest string) (string, error) {
	if f.moveErr != nil {
		return "", f.moveErr
	}
	f.moves[id] = dest
	return id + "-moved", nil
}

func (f *fakeMailbox) EnsureFolder(_ context.Context, name, _ string) (string, error) {
	f.ensures++
	id, ok := f.folders[name]
	if !ok {
		id = "folder-" + name
		f.folders[name] = id
	}
	return id, nil
}

type fakeClassifier struct {
	verdict *llm.TriageVerdict
	err     error
	calls   []llm.TriageContext
}

func (f *fakeClassifier) Classify(_ context.Context, tc llm.TriageContext) (*llm.TriageVerdict, error) {
	f.calls = append(f.calls, tc)
	if f.err != nil {
		return nil, f.err
	}
	v := *f.verdict
	return &v, nil
}

type emittedTrigger struct {
	Type    string
	Payload map[string]any
	Key     string
	Routing *trigger.Routing
}

type fakeTriggers struct {
	events []emittedTrigger
	seen   map[string]bool
}

func (f *fakeTriggers) Write(_ context.Context, typ string, payload map[string]any, key string, routing *trigger.Routing) (bool, error) {
	if key != "" {
		if f.seen == nil {
			f.seen = make(map[string]bool)
		}
		if f.seen[key] {
			return false, nil
		}
		f.seen[key] = true
	}
	f.events = append(f.events, emittedTrigger{Type: typ, Payload: payload, Key: key, Routing: routing})
	return true, nil
}

func (f *fakeTriggers) byType(typ string) []emittedTrigger {
	var out []emittedTrigger
	for _, e := range f.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestCategoriesModeAppliesPatch(t *testing.T) {
	store := newTestStore(t)
	mb := newFakeMailbox()
	cls := &fakeClassifier{verdict: &llm.TriageVerdict{
		Category:          "Action Required",
		Reason:            "asks for a review",
		Action:            llm.ActionNone,
		OutlookCategories: []string{"Action Required"},
		Urgency:           "today",
	}}
	tw := &fakeTriggers{}
	o := New(store, mb, cls, tw, config.TriageConfig{}, config.DigestConfig{}, testUser)

	seedMessage(t, store, "msg-1", time.Now().UTC().Add(-time.Hour))

	rep, err := o.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	assert.Zero(t, rep.Failed)

	patch, ok := mb.patches["msg-1"]
	require.True(t, ok, "expected an UpdateMessage call")
	assert.Equal(t, []string{"Action Required"}, patch.Categories)
	require.NotNil(t, patch.Flag)
	assert.Equal(t, "flagged", patch.Flag.FlagStatus)

	m, err := store.GetMessage(context.Background(), "msg-1")
	require.NoError(t, err)
	require.NotNil(t, m.ProcessedAt)
	require.NotNil(t, m.Category)
	assert.Equal(t, "Action Required", *m.Category)

	history, err := store.TriageHistory(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "msg-1", history[0].EmailID)
	assert.Equal(t, "none", history[0].Action)
	assert.Empty(t, history[0].DestinationFolder)
	assert.Equal(t, "asks for a review", history[0].Reason)
}

func TestNoopVerdictSkipsGraph(t *testing.T) {
	store := newTestStore(t)
	mb := newFakeMailbox()
	cls := &fakeClassifier{verdict: &llm.TriageVerdict{
		Category: "FYI",
		Action:   llm.ActionNone,
		Urgency:  "someday",
	}}
	o := New(store, mb, cls, &fakeTriggers{}, config.TriageConfig{}, config.DigestConfig{}, testUser)

	seedMessage(t, store, "msg-1", time.Now().UTC().Add(-time.Hour))

	rep, err := o.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	assert.Empty(t, mb.patches)
	assert.Empty(t, mb.moves)

	m, err := store.GetMessage(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.NotNil(t, m.ProcessedAt)
}

func TestUrgentVerdictEmitsTrigger(t *testing.T) {
	store := newTestStore(t)
	cls := &fakeClassifier{verdict: &llm.TriageVerdict{
		Category:          "Urgent",
		Reason:            "production is down",
		Action:            llm.ActionMarkImportant,
		OutlookCategories: []string{"Urgent"},
		Urgency:           "immediate",
		Labels:            []string{"ops"},
	}}
	tw := &fakeTriggers{}
	o := New(store, newFakeMailbox(), cls, tw, config.TriageConfig{}, config.DigestConfig{}, testUser)

	seedMessage(t, store, "msg-1", time.Now().UTC().Add(-time.Hour))

	rep, err := o.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, 1, rep.Triggers)

	urgent := tw.byType("urgent_email")
	require.Len(t, urgent, 1)
	assert.Equal(t, "urgent_email:user@corp.example:msg-1", urgent[0].Key)
	assert.Equal(t, "production is down", urgent[0].Payload["reason"])
	assert.Equal(t, []string{"ops"}, urgent[0].Payload["labels"])
	assert.Equal(t, "dana@fbi.example", urgent[0].Payload["sender"])
}

func TestDeleteVerdictMovesToShouldDelete(t *testing.T) {
	store := newTestStore(t)
	mb := newFakeMailbox()
	cls := &fakeClassifier{verdict: &llm.TriageVerdict{
		Category: "Should Delete",
		Action:   llm.ActionDelete,
		Urgency:  "someday",
	}}
	o := New(store, mb, cls, &fakeTriggers{}, config.TriageConfig{}, config.DigestConfig{}, testUser)

	now := time.Now().UTC()
	seedMessage(t, store, "msg-1", now.Add(-2*time.Hour))
	seedMessage(t, store, "msg-2", now.Add(-time.Hour))

	rep, err := o.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Processed)

	folderID := mb.folders["aa_Should Delete"]
	require.NotEmpty(t, folderID)
	assert.Equal(t, folderID, mb.moves["msg-1"])
	assert.Equal(t, folderID, mb.moves["msg-2"])
	assert.Equal(t, 1, mb.ensures, "folder id should be cached after first lookup")

	history, err := store.TriageHistory(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "aa_Should Delete", history[0].DestinationFolder)
}

func TestFolderModeRoutesByAlias(t *testing.T) {
	store := newTestStore(t)
	mb := newFakeMailbox()
	cls := &fakeClassifier{verdict: &llm.TriageVerdict{
		Category: "newsletter",
		Action:   llm.ActionMove,
		Urgency:  "someday",
	}}
	cfg := config.TriageConfig{Mode: "folders", FolderPrefix: "zz_"}
	o := New(store, mb, cls, &fakeTriggers{}, cfg, config.DigestConfig{}, testUser)

	seedMessage(t, store, "msg-1", time.Now().UTC().Add(-time.Hour))

	rep, err := o.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, mb.folders["zz_Newsletters"], mb.moves["msg-1"])

	history, err := store.TriageHistory(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "zz_Newsletters", history[0].DestinationFolder)
}

func TestClassifierOutageLeavesBacklog(t *testing.T) {
	store := newTestStore(t)
	cls := &fakeClassifier{err: errors.New("model timeout")}
	o := New(store, newFakeMailbox(), cls, &fakeTriggers{}, config.TriageConfig{}, config.DigestConfig{}, testUser)

	seedMessage(t, store, "msg-1", time.Now().UTC().Add(-time.Hour))

	rep, err := o.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Report{Unclassified: 1}, rep)

	pending, err := store.UnprocessedMessages(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "message should stay queued for the next pass")
}

func TestGraphFailureLeavesMessageForRetry(t *testing.T) {
	store := newTestStore(t)
	mb := newFakeMailbox()
	mb.updateErr = errors.New("503 service unavailable")
	cls := &fakeClassifier{verdict: &llm.TriageVerdict{
		Category:          "FYI",
		Action:            llm.ActionNone,
		OutlookCategories: []string{"FYI"},
		Urgency:           "someday",
	}}
	o := New(store, mb, cls, &fakeTriggers{}, config.TriageConfig{}, config.DigestConfig{}, testUser)

	seedMessage(t, store, "msg-1", time.Now().UTC().Add(-time.Hour))

	rep, err := o.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	pending, err := store.UnprocessedMessages(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	history, err := store.TriageHistory(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestVanishedMessageStillRecorded(t *testing.T) {
	store := newTestStore(t)
	mb := newFakeMailbox()
	mb.updateErr = graph.ErrNotFound
	cls := &fakeClassifier{verdict: &llm.TriageVerdict{
		Category:          "FYI",
		Action:            llm.ActionNone,
		OutlookCategories: []string{"FYI"},
		Urgency:           "someday",
	}}
	o := New(store, mb, cls, &fakeTriggers{}, config.TriageConfig{}, config.DigestConfig{}, testUser)

	seedMessage(t, store, "msg-1", time.Now().UTC().Add(-time.Hour))

	rep, err := o.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)

	m, err := store.GetMessage(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.NotNil(t, m.ProcessedAt)
}

func TestRequiresReplyTracksAndNudges(t *testing.T) {
	store := newTestStore(t)
	cls := &fakeClassifier{verdict: &llm.TriageVerdict{
		Category:          "Action Required",
		Action:            llm.ActionNone,
		OutlookCategories: []string{"Action Required"},
		Urgency:           "today",
		RequiresReply:     true,
		ReplyReason:       "client asked for an ETA",
	}}
	tw := &fakeTriggers{}
	o := New(store, newFakeMailbox(), cls, tw, config.TriageConfig{}, config.DigestConfig{}, testUser)

	now := time.Now().UTC()
	seedMessage(t, store, "msg-1", now.Add(-72*time.Hour))

	rep, err := o.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)

	replyTriggers := tw.byType("reply_needed")
	require.Len(t, replyTriggers, 1)
	assert.Equal(t, "client asked for an ETA", replyTriggers[0].Payload["reason"])

	open, err := store.OpenRepliesOlderThan(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "msg-1", open[0].EmailID)
	assert.Equal(t, "client asked for an ETA", open[0].Reason)

	emitted, err := o.CheckFollowUps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, emitted)

	nudges := tw.byType("no_reply_after_n_days")
	require.Len(t, nudges, 1)
	assert.Equal(t, "followup:user@corp.example:msg-1", nudges[0].Key)
	assert.Equal(t, 3, nudges[0].Payload["days_waiting"])

	emitted, err = o.CheckFollowUps(context.Background())
	require.NoError(t, err)
	assert.Zero(t, emitted, "nudged rows leave the follow-up scan")
}

func TestLabelsLandOnExistingThread(t *testing.T) {
	store := newTestStore(t)
	cls := &fakeClassifier{verdict: &llm.TriageVerdict{
		Category:          "FYI",
		Action:            llm.ActionNone,
		OutlookCategories: []string{"FYI"},
		Urgency:           "someday",
		Labels:            []string{"finance", "q3"},
	}}
	o := New(store, newFakeMailbox(), cls, &fakeTriggers{}, config.TriageConfig{}, config.DigestConfig{}, testUser)

	now := time.Now().UTC()
	m := seedMessage(t, store, "msg-1", now.Add(-time.Hour))
	require.NoError(t, store.SaveThread(context.Background(), &storage.Thread{
		ConversationID: m.ThreadKey(),
		Subject:        m.Subject,
		Participants:   storage.StringList{m.SenderEmail, testUser},
		Status:         storage.ThreadActive,
		Urgency:        storage.UrgencySomeday,
		StartedAt:      now.Add(-time.Hour),
		LastActivityAt: now.Add(-time.Hour),
		MessageCount:   1,
	}))

	_, err := o.ProcessPending(context.Background(), 10)
	require.NoError(t, err)

	th, err := store.GetThreadByConversation(context.Background(), m.ThreadKey())
	require.NoError(t, err)
	assert.Equal(t, storage.StringList{"finance", "q3"}, th.Labels)
}

func TestVIPContextReachesClassifier(t *testing.T) {
	store := newTestStore(t)
	cls := &fakeClassifier{verdict: &llm.TriageVerdict{
		Category: "FYI",
		Action:   llm.ActionNone,
		Urgency:  "someday",
	}}
	cfg := config.TriageConfig{VIPSenders: []string{"dana@fbi.example"}}
	o := New(store, newFakeMailbox(), cls, &fakeTriggers{}, cfg, config.DigestConfig{}, testUser)

	seedMessage(t, store, "msg-1", time.Now().UTC().Add(-time.Hour))

	_, err := o.ProcessPending(context.Background(), 10)
	require.NoError(t, err)

	require.Len(t, cls.calls, 1)
	assert.True(t, cls.calls[0].IsVIPSender)
	assert.Equal(t, llm.DefaultCategories, cls.calls[0].Categories)
	assert.Equal(t, "msg-1", cls.calls[0].MessageID)
}

func TestAvailabilityRequestEmitsTrigger(t *testing.T) {
	store := newTestStore(t)
	cls := &fakeClassifier{verdict: &llm.TriageVerdict{
		Category:              "Action Required",
		Action:                llm.ActionNone,
		OutlookCategories:     []string{"Action Required"},
		Urgency:               "today",
		AvailabilityRequested: true,
		Availability: &llm.Availability{
			WindowStart:     "2026-08-26",
			WindowEnd:       "2026-08-28",
			DurationMinutes: 30,
			Timezone:        "America/New_York",
		},
	}}
	tw := &fakeTriggers{}
	o := New(store, newFakeMailbox(), cls, tw, config.TriageConfig{}, config.DigestConfig{}, testUser)

	seedMessage(t, store, "msg-1", time.Now().UTC().Add(-time.Hour))

	rep, err := o.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Triggers)

	avail := tw.byType("availability_requested")
	require.Len(t, avail, 1)
	window, ok := avail[0].Payload["availability"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2026-08-26", window["window_start"])
	assert.Equal(t, 30, window["duration_minutes"])
}

func digestConfig() config.DigestConfig {
	return config.DigestConfig{
		Enabled:   true,
		Day:       "tuesday",
		TimeLocal: "08:00",
	}
}

func seedProcessed(t *testing.T, s *storage.Store, id, subject, category string, receivedAt time.Time) {
	t.Helper()
	m := seedMessage(t, s, id, receivedAt)
	m.Subject = subject
	require.NoError(t, s.UpsertMessage(context.Background(), m))
	require.NoError(t, s.WithTx(context.Background(), func(tx *storage.Tx) error {
		return tx.MarkProcessed(context.Background(), id, category, receivedAt)
	}))
}

func TestWeeklyDigestEmitsOnceInsideWindow(t *testing.T) {
	store := newTestStore(t)
	tw := &fakeTriggers{}
	o := New(store, newFakeMailbox(), &fakeClassifier{}, tw, config.TriageConfig{}, digestConfig(), testUser)

	// 2026-08-25 is a Tuesday.
	now := time.Date(2026, 8, 25, 8, 10, 0, 0, time.UTC)
	seedProcessed(t, store, "msg-1", "Server outage", "Urgent", now.Add(-24*time.Hour))
	seedProcessed(t, store, "msg-2", "Weekly tech news", "Newsletters", now.Add(-48*time.Hour))
	seedMessage(t, store, "msg-3", now.Add(-12*time.Hour))

	emitted, err := o.MaybeEmitWeeklyDigest(context.Background(), now)
	require.NoError(t, err)
	assert.True(t, emitted)

	digests := tw.byType("weekly_digest_ready")
	require.Len(t, digests, 1)
	week := isoWeek(now)
	assert.Equal(t, "digest:user@corp.example:"+week, digests[0].Key)
	assert.Equal(t, week, digests[0].Payload["week"])
	assert.Equal(t, 1, digests[0].Payload["newsletter_count"])

	markdown, ok := digests[0].Payload["markdown"].(string)
	require.True(t, ok)
	assert.Contains(t, markdown, "Server outage")
	assert.Contains(t, markdown, "Recommended actions")
	assert.Contains(t, markdown, "1 newsletters arrived")
	assert.NotContains(t, markdown, "Weekly tech news** from", "newsletters stay out of the top list")

	sent, err := store.DigestSent(context.Background(), week)
	require.NoError(t, err)
	assert.True(t, sent)

	emitted, err = o.MaybeEmitWeeklyDigest(context.Background(), now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, emitted, "ledger suppresses a second digest in the same week")
}

func TestWeeklyDigestOutsideWindowSkipped(t *testing.T) {
	store := newTestStore(t)
	tw := &fakeTriggers{}
	o := New(store, newFakeMailbox(), &fakeClassifier{}, tw, config.TriageConfig{}, digestConfig(), testUser)

	noon := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	emitted, err := o.MaybeEmitWeeklyDigest(context.Background(), noon)
	require.NoError(t, err)
	assert.False(t, emitted)

	wednesday := time.Date(2026, 8, 26, 8, 0, 0, 0, time.UTC)
	emitted, err = o.MaybeEmitWeeklyDigest(context.Background(), wednesday)
	require.NoError(t, err)
	assert.False(t, emitted)
	assert.Empty(t, tw.events)
}

func TestWeeklyDigestDisabled(t *testing.T) {
	store := newTestStore(t)
	tw := &fakeTriggers{}
	o := New(store, newFakeMailbox(), &fakeClassifier{}, tw, config.TriageConfig{}, config.DigestConfig{}, testUser)

	now := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	emitted, err := o.MaybeEmitWeeklyDigest(context.Background(), now)
	require.NoError(t, err)
	assert.False(t, emitted)
	assert.Empty(t, tw.events)
}

func TestWeeklyDigestUnknownTimezoneFallsBackToUTC(t *testing.T) {
	store := newTestStore(t)
	tw := &fakeTriggers{}
	cfg := digestConfig()
	cfg.Timezone = "Not/AZone"
	o := New(store, newFakeMailbox(), &fakeClassifier{}, tw, config.TriageConfig{}, cfg, testUser)

	now := time.Date(2026, 8, 25, 8, 10, 0, 0, time.UTC)
	emitted, err := o.MaybeEmitWeeklyDigest(context.Background(), now)
	require.NoError(t, err)
	assert.True(t, emitted)
}

func TestEndOfWeekLandsOnFriday(t *testing.T) {
	tuesday := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	due := endOfWeek(tuesday)
	assert.Equal(t, time.Friday, due.Weekday())
	assert.Equal(t, 17, due.Hour())

	saturday := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, saturday.Day(), endOfWeek(saturday).Day(), "weekend flags due same day")
}
