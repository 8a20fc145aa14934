package wm

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-intel/internal/llm"
	"github.com/ignite/inbox-intel/internal/storage"
	"github.com/ignite/inbox-intel/internal/trigger"
)

const testUser = "user@corp.example"

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "wm_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeAnalyzer struct {
	analysis   *llm.EmailAnalysis
	analyzeErr error
	facts      []llm.ExtractedFact
	factsErr   error

	analyzeCalls []llm.AnalysisContext
	factCalls    []llm.FactContext
}

func (f *fakeAnalyzer) Analyze(_ context.Context, ac llm.AnalysisContext) (*llm.EmailAnalysis, error) {
	f.analyzeCalls = append(f.analyzeCalls, ac)
	if f.analyzeErr != nil {
		return nil, f.analyzeErr
	}
	if f.analysis == nil {
		return &llm.EmailAnalysis{}, nil
	}
	a := *f.analysis
	return &a, nil
}

func (f *fakeAnalyzer) ExtractFacts(_ context.Context, fc llm.FactContext) ([]llm.ExtractedFact, error) {
	f.factCalls = append(f.factCalls, fc)
	if f.factsErr != nil {
		return nil, f.factsErr
	}
	return f.facts, nil
}

type emittedTrigger struct {
	Type    string
	Payload map[string]any
	Key     string
}

type fakeTriggers struct {
	mu     sync.Mutex
	events []emittedTrigger
	seen   map[string]bool
}

func (f *fakeTriggers) Write(_ context.Context, typ string, payload map[string]any, key string, _ *trigger.Routing) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key != "" {
		if f.seen == nil {
			f.seen = make(map[string]bool)
		}
		if f.seen[key] {
			return false, nil
		}
		f.seen[key] = true
	}
	f.events = append(f.events, emittedTrigger{Type: typ, Payload: payload, Key: key})
	return true, nil
}

func (f *fakeTriggers) byKind(kind string) []emittedTrigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emittedTrigger
	for _, e := range f.events {
		if e.Payload["kind"] == kind {
			out = append(out, e)
		}
	}
	return out
}

func seedMessage(t *testing.T, s *storage.Store, id, conv string, to, cc []string, receivedAt time.Time) *storage.Message {
	t.Helper()
	m := &storage.Message{
		ID:             id,
		ConversationID: &conv,
		Subject:        "Apollo launch review",
		SenderName:     "Dana Scully",
		SenderEmail:    "dana@fbi.example",
		ToRecipients:   storage.StringList(to),
		CcRecipients:   storage.StringList(cc),
		ReceivedAt:     receivedAt,
		BodyPreview:    "Can you approve the launch budget by Friday?",
		FolderID:       "inbox",
		ETag:           "etag-" + id,
		BodyHash:       "hash-" + id,
		SyncedAt:       time.Now().UTC(),
	}
	require.NoError(t, s.UpsertMessage(context.Background(), m))
	return m
}

func richAnalysis() *llm.EmailAnalysis {
	return &llm.EmailAnalysis{
		Summary:          "Dana needs budget approval.",
		KeyPoints:        []string{"Launch budget pending approval"},
		PendingQuestions: []string{"Approve the budget?"},
		DecisionsRequested: []llm.DecisionRequest{{
			Question: "Approve the launch budget?",
			Options:  []string{"yes", "no"},
			Deadline: "2026-08-28",
			Urgency:  "today",
		}},
		CommitmentsMade: []llm.CommitmentNote{{
			Description: "Send the revised numbers",
			ToWhom:      "dana@fbi.example",
			DueBy:       "2026-08-27",
		}},
		Observations: []llm.ObservationNote{{
			Type:       "status_update",
			Content:    "Launch moved to September",
			Confidence: 0.8,
		}},
		ProjectMentions:     []string{"Apollo"},
		SuggestedUrgency:    "today",
		NeedsReply:          true,
		ExtractedNewContent: "Can you approve the launch budget by Friday?",
		ThreadSummary:       "Budget approval thread",
		SignatureBlock:      "Dana Scully\nFBI",
		SuggestedAction:     "keep",
	}
}

func TestDirectMessageBuildsWorkingMemory(t *testing.T) {
	store := newTestStore(t)
	fa := &fakeAnalyzer{analysis: richAnalysis()}
	u := NewUpdater(store, fa, testUser)

	now := time.Now().UTC().Truncate(time.Second)
	m := seedMessage(t, store, "msg-1", "conv-1",
		[]string{testUser}, []string{"carol@corp.example"}, now)

	require.NoError(t, u.ProcessMessage(context.Background(), m))

	ctx := context.Background()
	th, err := store.GetThreadByConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, th.MessageCount)
	assert.Equal(t, storage.ThreadActive, th.Status)
	assert.Equal(t, storage.UrgencyToday, th.Urgency)
	assert.True(t, th.NeedsReply)
	assert.False(t, th.UserIsCc)
	assert.Equal(t, "Budget approval thread", th.Summary)
	assert.Equal(t, storage.StringList{"Launch budget pending approval"}, th.KeyPoints)
	assert.Equal(t, storage.StringList{"Approve the budget?"}, th.PendingQuestions)
	assert.Equal(t, "msg-1", th.LatestMessageID)
	assert.Contains(t, th.Participants, "dana@fbi.example")
	assert.Contains(t, th.Participants, testUser)
	assert.Contains(t, th.Participants, "carol@corp.example")

	dana, err := store.GetContactByEmail(ctx, "dana@fbi.example")
	require.NoError(t, err)
	assert.Equal(t, 1, dana.TheyInitiated)
	assert.Equal(t, 1, dana.TotalMessages)
	assert.False(t, dana.IsInternal)
	assert.Equal(t, "Dana Scully", dana.Name)

	carol, err := store.GetContactByEmail(ctx, "carol@corp.example")
	require.NoError(t, err)
	assert.Equal(t, 1, carol.CcCount)
	assert.True(t, carol.IsInternal)

	_, err = store.GetContactByEmail(ctx, testUser)
	assert.ErrorIs(t, err, storage.ErrNotFound, "the user is not their own contact")

	obs, err := store.ListObservations(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, storage.ObsStatusUpdate, obs[0].Type)
	assert.Equal(t, "msg-1", obs[0].SourceMessageID)

	decisions, err := store.ListDecisions(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "Approve the launch budget?", decisions[0].Question)
	assert.Equal(t, storage.UrgencyToday, decisions[0].Urgency)
	assert.Equal(t, "dana@fbi.example", decisions[0].Requester)
	require.NotNil(t, decisions[0].Deadline)

	commitments, err := store.ListCommitments(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, commitments, 1)
	assert.Equal(t, "Send the revised numbers", commitments[0].Description)
	require.NotNil(t, commitments[0].DueBy)

	project, err := store.GetProjectByName(ctx, "apollo")
	require.NoError(t, err)
	assert.InDelta(t, 0.3, project.Confidence, 1e-9)
	assert.Equal(t, storage.StringList{"conv-1"}, project.RelatedThreads)

	got, err := store.GetMessage(ctx, "msg-1")
	require.NoError(t, err)
	require.NotNil(t, got.BodyMarkdown)
	assert.Equal(t, "Can you approve the launch budget by Friday?", *got.BodyMarkdown)
	require.NotNil(t, got.SuggestedAction)
	assert.Equal(t, "keep", *got.SuggestedAction)
	require.NotNil(t, got.SignatureBlock)
}

func TestSecondMessageAdvancesThread(t *testing.T) {
	store := newTestStore(t)
	fa := &fakeAnalyzer{analysis: richAnalysis()}
	u := NewUpdater(store, fa, testUser)

	now := time.Now().UTC().Truncate(time.Second)
	m1 := seedMessage(t, store, "msg-1", "conv-1", []string{testUser}, nil, now.Add(-time.Hour))
	require.NoError(t, u.ProcessMessage(context.Background(), m1))

	fa.analysis = &llm.EmailAnalysis{
		Summary:          "Numbers sent.",
		KeyPoints:        []string{"Revised numbers attached"},
		PendingQuestions: []string{},
		SuggestedUrgency: "someday",
	}
	m2 := seedMessage(t, store, "msg-2", "conv-1", []string{testUser}, nil, now)
	require.NoError(t, u.ProcessMessage(context.Background(), m2))

	th, err := store.GetThreadByConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, th.MessageCount)
	assert.Equal(t, "msg-2", th.LatestMessageID)
	assert.WithinDuration(t, now.Add(-time.Hour), th.StartedAt, time.Second, "started_at keeps the first message")
	assert.WithinDuration(t, now, th.LastActivityAt, time.Second)
	assert.Equal(t, storage.UrgencyToday, th.Urgency, "urgency never drops")
	assert.Equal(t, storage.StringList{
		"Launch budget pending approval", "Revised numbers attached",
	}, th.KeyPoints)
	assert.Empty(t, th.PendingQuestions, "latest analysis replaces open questions")
	assert.True(t, th.NeedsReply, "needs_reply is sticky")

	// Second pass through Analyze carries the stored summary forward.
	require.Len(t, fa.analyzeCalls, 2)
	assert.Equal(t, "Budget approval thread", fa.analyzeCalls[1].ThreadSoFar)
}

func TestCcOnlyMessageStaysPassive(t *testing.T) {
	store := newTestStore(t)
	fa := &fakeAnalyzer{analysis: &llm.EmailAnalysis{
		DecisionsRequested: []llm.DecisionRequest{{Question: "Should we ship?"}},
	}}
	u := NewUpdater(store, fa, testUser)

	m := seedMessage(t, store, "msg-1", "conv-1",
		[]string{"bob@corp.example"}, []string{testUser}, time.Now().UTC())
	require.NoError(t, u.ProcessMessage(context.Background(), m))

	require.Len(t, fa.analyzeCalls, 1)
	assert.True(t, fa.analyzeCalls[0].IsCc)

	th, err := store.GetThreadByConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.True(t, th.UserIsCc)

	decisions, err := store.ListDecisions(context.Background(), false, 10)
	require.NoError(t, err)
	assert.Empty(t, decisions, "CC'd messages never create decisions")

	obs, err := store.ListObservations(context.Background(), storage.ObsContextLearned, 10)
	require.NoError(t, err)
	require.Len(t, obs, 1, "CC without model observations leaves a synthetic one")
	assert.Contains(t, obs[0].Content, "Apollo launch review")
	assert.InDelta(t, ccObservationConfidence, obs[0].Confidence, 1e-9)
}

func TestAnalyzeFailureKeepsStructuralUpdate(t *testing.T) {
	store := newTestStore(t)
	fa := &fakeAnalyzer{analysis: richAnalysis()}
	u := NewUpdater(store, fa, testUser)

	now := time.Now().UTC().Truncate(time.Second)
	m1 := seedMessage(t, store, "msg-1", "conv-1", []string{testUser}, nil, now.Add(-time.Hour))
	require.NoError(t, u.ProcessMessage(context.Background(), m1))

	fa.analyzeErr = errors.New("model unavailable")
	m2 := seedMessage(t, store, "msg-2", "conv-1", []string{testUser}, nil, now)
	require.NoError(t, u.ProcessMessage(context.Background(), m2))

	th, err := store.GetThreadByConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, th.MessageCount)
	assert.Equal(t, "msg-2", th.LatestMessageID)
	assert.Equal(t, storage.StringList{"Approve the budget?"}, th.PendingQuestions,
		"failed analysis must not clear open questions")

	dana, err := store.GetContactByEmail(context.Background(), "dana@fbi.example")
	require.NoError(t, err)
	assert.Equal(t, 2, dana.TotalMessages)
}

func TestContactCountersAccumulate(t *testing.T) {
	store := newTestStore(t)
	u := NewUpdater(store, &fakeAnalyzer{}, testUser)

	now := time.Now().UTC()
	to := []string{testUser, "bob@corp.example"}
	cc := []string{"carol@vendor.example"}
	m1 := seedMessage(t, store, "msg-1", "conv-1", to, cc, now.Add(-time.Hour))
	m2 := seedMessage(t, store, "msg-2", "conv-2", to, cc, now)
	require.NoError(t, u.ProcessMessage(context.Background(), m1))
	require.NoError(t, u.ProcessMessage(context.Background(), m2))

	ctx := context.Background()
	dana, err := store.GetContactByEmail(ctx, "dana@fbi.example")
	require.NoError(t, err)
	assert.Equal(t, 2, dana.TheyInitiated)
	assert.Equal(t, 2, dana.TotalMessages)

	bob, err := store.GetContactByEmail(ctx, "bob@corp.example")
	require.NoError(t, err)
	assert.Equal(t, 2, bob.UserInitiated)
	assert.True(t, bob.IsInternal)

	carol, err := store.GetContactByEmail(ctx, "carol@vendor.example")
	require.NoError(t, err)
	assert.Equal(t, 2, carol.CcCount)
	assert.False(t, carol.IsInternal)
}

func TestProjectConfidenceGrowsAcrossThreads(t *testing.T) {
	store := newTestStore(t)
	fa := &fakeAnalyzer{analysis: &llm.EmailAnalysis{ProjectMentions: []string{"Apollo"}}}
	u := NewUpdater(store, fa, testUser)

	now := time.Now().UTC()
	m1 := seedMessage(t, store, "msg-1", "conv-1", []string{testUser}, nil, now.Add(-time.Hour))
	m2 := seedMessage(t, store, "msg-2", "conv-2", []string{testUser}, nil, now)
	require.NoError(t, u.ProcessMessage(context.Background(), m1))
	require.NoError(t, u.ProcessMessage(context.Background(), m2))

	p, err := store.GetProjectByName(context.Background(), "Apollo")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, p.Confidence, 1e-9)
	assert.ElementsMatch(t, []string{"conv-1", "conv-2"}, []string(p.RelatedThreads))
}

func TestFactExtractionIsIdempotentAndClamped(t *testing.T) {
	store := newTestStore(t)
	fa := &fakeAnalyzer{
		facts: []llm.ExtractedFact{
			{FactType: "deadline", FactValue: "budget due Friday", Confidence: 0.9, DueDate: "2026-08-28"},
			{FactType: "galactic_coordinates", FactValue: "unknown taxonomy", Confidence: 0.5},
			{FactType: "amount", FactValue: ""},
		},
	}
	u := NewUpdater(store, fa, testUser)

	m := seedMessage(t, store, "msg-1", "conv-1", []string{testUser}, nil, time.Now().UTC())
	require.NoError(t, u.ProcessMessage(context.Background(), m))
	require.NoError(t, u.ProcessMessage(context.Background(), m))

	facts, err := store.ListFacts(context.Background(), storage.FactFilter{})
	require.NoError(t, err)
	require.Len(t, facts, 2, "empty values skipped, re-runs deduplicated")

	byType := map[string]storage.Fact{}
	for _, f := range facts {
		byType[f.FactType] = f
	}
	require.Contains(t, byType, "deadline")
	require.NotNil(t, byType["deadline"].DueDate)
	assert.Equal(t, storage.FactActive, byType["deadline"].Status)
	require.Contains(t, byType, "other", "unknown fact types clamp to other")
}

func TestFactFailureIsNonFatal(t *testing.T) {
	store := newTestStore(t)
	fa := &fakeAnalyzer{factsErr: errors.New("model unavailable")}
	u := NewUpdater(store, fa, testUser)

	m := seedMessage(t, store, "msg-1", "conv-1", []string{testUser}, nil, time.Now().UTC())
	require.NoError(t, u.ProcessMessage(context.Background(), m))

	_, err := store.GetThreadByConversation(context.Background(), "conv-1")
	assert.NoError(t, err, "thread update commits before fact extraction")
}
