// Package wm maintains the working-memory model of the mailbox: threads,
// contacts, observations, decisions, commitments, projects and extracted
// facts, plus the maintenance engine that ages them.
package wm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/inbox-intel/internal/llm"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/storage"
)

const maxKeyPoints = 10

// ccObservationConfidence is assigned to the synthetic observation recorded
// when the user is only copied and the model produced nothing.
const ccObservationConfidence = 0.3

// Analyzer is the language-model surface the updater needs.
type Analyzer interface {
	Analyze(ctx context.Context, ac llm.AnalysisContext) (*llm.EmailAnalysis, error)
	ExtractFacts(ctx context.Context, fc llm.FactContext) ([]llm.ExtractedFact, error)
}

// Updater folds triaged messages into working memory.
type Updater struct {
	store      *storage.Store
	llm        Analyzer
	user       string
	userDomain string
}

func NewUpdater(store *storage.Store, a Analyzer, user string) *Updater {
	user = strings.ToLower(strings.TrimSpace(user))
	var domain string
	if i := strings.LastIndex(user, "@"); i >= 0 {
		domain = user[i+1:]
	}
	return &Updater{store: store, llm: a, user: user, userDomain: domain}
}

// ProcessMessage updates working memory from one message. The LLM analysis
// degrades to an empty result on error so the structural updates (thread,
// contacts) still land. All writes happen in one transaction; fact
// extraction follows after commit and is non-fatal.
func (u *Updater) ProcessMessage(ctx context.Context, m *storage.Message) error {
	isCc := u.isCc(m)

	threadSoFar := ""
	if th, err := u.store.GetThreadByConversation(ctx, m.ThreadKey()); err == nil {
		threadSoFar = th.Summary
	}

	analysis, analyzed := u.analyze(ctx, m, isCc, threadSoFar)

	tx, err := u.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := u.upsertThread(ctx, tx, m, analysis, isCc, analyzed); err != nil {
		return err
	}
	if err := u.bumpContacts(ctx, tx, m); err != nil {
		return err
	}
	if err := u.recordObservations(ctx, tx, m, analysis, isCc); err != nil {
		return err
	}
	if !isCc {
		if err := u.recordDecisions(ctx, tx, m, analysis); err != nil {
			return err
		}
	}
	if err := u.recordCommitments(ctx, tx, m, analysis); err != nil {
		return err
	}
	for _, name := range analysis.ProjectMentions {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := tx.UpsertProjectMention(ctx, name, m.ThreadKey(), m.ReceivedAt); err != nil {
			return err
		}
	}
	if err := u.annotate(ctx, tx, m, analysis); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	u.extractFacts(ctx, m, analysis)
	return nil
}

// isCc reports whether the user was only copied: present in CC, absent from
// TO.
func (u *Updater) isCc(m *storage.Message) bool {
	return containsAddr(m.CcRecipients, u.user) && !containsAddr(m.ToRecipients, u.user)
}

func (u *Updater) analyze(ctx context.Context, m *storage.Message, isCc bool, threadSoFar string) (*llm.EmailAnalysis, bool) {
	bodyHTML := ""
	if m.BodyHTML != nil {
		bodyHTML = *m.BodyHTML
	}
	a, err := u.llm.Analyze(ctx, llm.AnalysisContext{
		MessageID:    m.ID,
		Subject:      m.Subject,
		SenderName:   m.SenderName,
		SenderEmail:  m.SenderEmail,
		ToRecipients: m.ToRecipients,
		CcRecipients: m.CcRecipients,
		ReceivedAt:   m.ReceivedAt.UTC().Format(time.RFC3339),
		BodyHTML:     bodyHTML,
		BodyPreview:  m.BodyPreview,
		IsCc:         isCc,
		ThreadSoFar:  threadSoFar,
	})
	if err != nil {
		logger.Warn("analysis unavailable, applying structural update only",
			"message_id", m.ID, "sender", logger.RedactEmail(m.SenderEmail), "error", err)
		return &llm.EmailAnalysis{}, false
	}
	return a, true
}

var urgencyRank = map[storage.Urgency]int{
	storage.UrgencySomeday:   0,
	storage.UrgencyThisWeek:  1,
	storage.UrgencyToday:     2,
	storage.UrgencyImmediate: 3,
}

// upsertThread inserts or advances the thread row for this conversation.
// Urgency only moves up; pending questions are replaced by the latest
// analysis but preserved when analysis was unavailable.
func (u *Updater) upsertThread(ctx context.Context, tx *storage.Tx, m *storage.Message, a *llm.EmailAnalysis, isCc, analyzed bool) error {
	key := m.ThreadKey()
	th, err := tx.GetThreadByConversation(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		th = &storage.Thread{
			ConversationID: key,
			Subject:        m.Subject,
			Status:         storage.ThreadActive,
			Urgency:        storage.UrgencySomeday,
			StartedAt:      m.ReceivedAt,
			MessageCount:   1,
		}
	case err != nil:
		return err
	default:
		th.MessageCount++
	}

	th.Participants = mergeStrings(th.Participants, participantAddrs(m), 0)
	th.UserIsCc = isCc
	th.LastActivityAt = m.ReceivedAt
	th.LatestMessageID = m.ID
	th.LatestWebLink = m.WebLink
	th.NeedsReply = th.NeedsReply || a.NeedsReply

	if storage.ValidUrgency(a.SuggestedUrgency) {
		if sugg := storage.Urgency(a.SuggestedUrgency); urgencyRank[sugg] > urgencyRank[th.Urgency] {
			th.Urgency = sugg
		}
	}
	if a.ThreadSummary != "" {
		th.Summary = a.ThreadSummary
	} else if a.Summary != "" {
		th.Summary = a.Summary
	}
	th.KeyPoints = mergeStrings(th.KeyPoints, a.KeyPoints, maxKeyPoints)
	if analyzed {
		th.PendingQuestions = storage.StringList(a.PendingQuestions)
	}
	th.ProjectRefs = mergeStrings(th.ProjectRefs, a.ProjectMentions, 0)

	return tx.SaveThread(ctx, th)
}

// bumpContacts advances the interaction counters for every non-user address
// on the message: sender initiated toward us, TO recipients share the user's
// outbound attention, CC recipients were copied.
func (u *Updater) bumpContacts(ctx context.Context, tx *storage.Tx, m *storage.Message) error {
	at := m.ReceivedAt
	sender := strings.ToLower(strings.TrimSpace(m.SenderEmail))
	if sender != "" && sender != u.user {
		err := tx.BumpContact(ctx, storage.ContactBump{
			Email:         sender,
			Name:          m.SenderName,
			TheyInitiated: 1,
			IsInternal:    u.isInternal(sender),
			At:            at,
		})
		if err != nil {
			return err
		}
	}
	for _, addr := range m.ToRecipients {
		a := strings.ToLower(strings.TrimSpace(addr))
		if a == "" || a == u.user || a == sender {
			continue
		}
		err := tx.BumpContact(ctx, storage.ContactBump{
			Email:         a,
			UserInitiated: 1,
			IsInternal:    u.isInternal(a),
			At:            at,
		})
		if err != nil {
			return err
		}
	}
	for _, addr := range m.CcRecipients {
		a := strings.ToLower(strings.TrimSpace(addr))
		if a == "" || a == u.user || a == sender {
			continue
		}
		err := tx.BumpContact(ctx, storage.ContactBump{
			Email:      a,
			Cc:         1,
			IsInternal: u.isInternal(a),
			At:         at,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *Updater) isInternal(addr string) bool {
	return u.userDomain != "" && strings.HasSuffix(addr, "@"+u.userDomain)
}

// recordObservations stores what the model noticed. A CC'd message always
// leaves at least one observation so passive threads still accrue context.
func (u *Updater) recordObservations(ctx context.Context, tx *storage.Tx, m *storage.Message, a *llm.EmailAnalysis, isCc bool) error {
	obs := a.Observations
	if isCc && len(obs) == 0 {
		obs = []llm.ObservationNote{{
			Type:       string(storage.ObsContextLearned),
			Content:    fmt.Sprintf("Copied on %q from %s", m.Subject, m.SenderEmail),
			Confidence: ccObservationConfidence,
		}}
	}
	for _, o := range obs {
		typ := storage.ObservationType(strings.ToLower(o.Type))
		if !storage.ValidObservationType(string(typ)) {
			typ = storage.ObsContextLearned
		}
		err := tx.InsertObservation(ctx, &storage.Observation{
			Type:            typ,
			Content:         o.Content,
			SourceMessageID: m.ID,
			Confidence:      o.Confidence,
			ObservedAt:      m.ReceivedAt,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *Updater) recordDecisions(ctx context.Context, tx *storage.Tx, m *storage.Message, a *llm.EmailAnalysis) error {
	for _, d := range a.DecisionsRequested {
		if strings.TrimSpace(d.Question) == "" {
			continue
		}
		urgency := storage.UrgencyThisWeek
		if storage.ValidUrgency(d.Urgency) {
			urgency = storage.Urgency(d.Urgency)
		}
		err := tx.InsertDecision(ctx, &storage.Decision{
			Question:  d.Question,
			Context:   d.Context,
			Options:   storage.StringList(d.Options),
			Source:    m.ID,
			Requester: m.SenderEmail,
			Urgency:   urgency,
			Deadline:  parseWhen(d.Deadline),
			CreatedAt: m.ReceivedAt,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *Updater) recordCommitments(ctx context.Context, tx *storage.Tx, m *storage.Message, a *llm.EmailAnalysis) error {
	for _, c := range a.CommitmentsMade {
		if strings.TrimSpace(c.Description) == "" {
			continue
		}
		err := tx.InsertCommitment(ctx, &storage.Commitment{
			Description: c.Description,
			ToWhom:      c.ToWhom,
			Source:      m.ID,
			CommittedAt: m.ReceivedAt,
			DueBy:       parseWhen(c.DueBy),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *Updater) annotate(ctx context.Context, tx *storage.Tx, m *storage.Message, a *llm.EmailAnalysis) error {
	ann := storage.MessageAnnotations{
		BodyMarkdown:    nonEmpty(a.ExtractedNewContent),
		ThreadSummary:   nonEmpty(a.ThreadSummary),
		SignatureBlock:  nonEmpty(a.SignatureBlock),
		SuggestedAction: nonEmpty(a.SuggestedAction),
	}
	if ann == (storage.MessageAnnotations{}) {
		return nil
	}
	return tx.SetAnnotations(ctx, m.ID, ann)
}

// extractFacts runs after the commit. The unique fact key absorbs re-runs;
// a failure costs only this message's facts.
func (u *Updater) extractFacts(ctx context.Context, m *storage.Message, a *llm.EmailAnalysis) {
	text := m.BodyPreview
	if m.BodyMarkdown != nil && *m.BodyMarkdown != "" {
		text = *m.BodyMarkdown
	}
	if a.ExtractedNewContent != "" {
		text = a.ExtractedNewContent
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	facts, err := u.llm.ExtractFacts(ctx, llm.FactContext{
		SourceType: "email",
		SourceID:   m.ID,
		Subject:    m.Subject,
		Sender:     m.SenderEmail,
		ReceivedAt: m.ReceivedAt.UTC().Format(time.RFC3339),
		Text:       text,
	})
	if err != nil {
		logger.Warn("fact extraction failed", "message_id", m.ID, "error", err)
		return
	}

	for _, f := range facts {
		if strings.TrimSpace(f.FactValue) == "" {
			continue
		}
		factType := strings.ToLower(f.FactType)
		if !storage.ValidFactType(factType) {
			factType = "other"
		}
		fact := &storage.Fact{
			SourceType:       "email",
			SourceID:         m.ID,
			FactType:         factType,
			FactValue:        f.FactValue,
			Context:          f.Context,
			Confidence:       f.Confidence,
			EntityNormalized: strings.ToLower(f.EntityNormalized),
		}
		if due, ok := f.ParseDueDate(); ok {
			fact.DueDate = &due
		}
		if err := u.store.InsertFact(ctx, fact); err != nil {
			logger.Warn("fact insert failed", "message_id", m.ID, "error", err)
		}
	}
}

func containsAddr(list []string, addr string) bool {
	for _, a := range list {
		if strings.EqualFold(strings.TrimSpace(a), addr) {
			return true
		}
	}
	return false
}

func participantAddrs(m *storage.Message) []string {
	out := make([]string, 0, 2+len(m.ToRecipients)+len(m.CcRecipients))
	if addr := strings.ToLower(strings.TrimSpace(m.SenderEmail)); addr != "" {
		out = append(out, addr)
	}
	for _, addr := range m.ToRecipients {
		if a := strings.ToLower(strings.TrimSpace(addr)); a != "" {
			out = append(out, a)
		}
	}
	for _, addr := range m.CcRecipients {
		if a := strings.ToLower(strings.TrimSpace(addr)); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// mergeStrings appends unseen entries, keeping only the trailing limit when
// one is set.
func mergeStrings(old storage.StringList, add []string, limit int) storage.StringList {
	out := append(storage.StringList{}, old...)
	seen := make(map[string]bool, len(out))
	for _, s := range out {
		seen[s] = true
	}
	for _, s := range add {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// parseWhen accepts the date forms model output uses for deadlines.
func parseWhen(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
