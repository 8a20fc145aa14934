package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// --- threads ---

const saveThreadSQL = `
    INSERT INTO wm_threads (id, conversation_id, subject, participants, status,
                            urgency, started_at, last_activity_at, message_count,
                            user_is_cc, needs_reply, reply_deadline, labels,
                            project_refs, latest_message_id, latest_web_link,
                            summary, key_points, pending_questions, updated_at)
    VALUES (:id, :conversation_id, :subject, :participants, :status,
            :urgency, :started_at, :last_activity_at, :message_count,
            :user_is_cc, :needs_reply, :reply_deadline, :labels,
            :project_refs, :latest_message_id, :latest_web_link,
            :summary, :key_points, :pending_questions, :updated_at)
    ON CONFLICT(conversation_id) DO UPDATE SET
        subject           = excluded.subject,
        participants      = excluded.participants,
        status            = excluded.status,
        urgency           = excluded.urgency,
        last_activity_at  = excluded.last_activity_at,
        message_count     = excluded.message_count,
        user_is_cc        = excluded.user_is_cc,
        needs_reply       = excluded.needs_reply,
        reply_deadline    = excluded.reply_deadline,
        labels            = excluded.labels,
        project_refs      = excluded.project_refs,
        latest_message_id = excluded.latest_message_id,
        latest_web_link   = excluded.latest_web_link,
        summary           = excluded.summary,
        key_points        = excluded.key_points,
        pending_questions = excluded.pending_questions,
        updated_at        = excluded.updated_at`

func saveThread(ctx context.Context, ext sqlx.ExtContext, th *Thread) error {
	if th.ID == "" {
		th.ID = uuid.NewString()
	}
	th.UpdatedAt = now()
	if _, err := sqlx.NamedExecContext(ctx, ext, saveThreadSQL, th); err != nil {
		return fmt.Errorf("save thread %s: %w", th.ConversationID, err)
	}
	return nil
}

// SaveThread upserts a thread keyed by conversation id. started_at and id of
// an existing row are preserved; the caller is responsible for merging list
// fields before saving.
func (s *Store) SaveThread(ctx context.Context, th *Thread) error {
	return saveThread(ctx, s.db, th)
}

func (t *Tx) SaveThread(ctx context.Context, th *Thread) error {
	return saveThread(ctx, t.tx, th)
}

func getThreadByConversation(ctx context.Context, ext sqlx.ExtContext, convID string) (*Thread, error) {
	var th Thread
	err := sqlx.GetContext(ctx, ext, &th,
		`SELECT * FROM wm_threads WHERE conversation_id = ?`, convID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", convID, err)
	}
	return &th, nil
}

// GetThreadByConversation returns the thread for a conversation id, or
// ErrNotFound.
func (s *Store) GetThreadByConversation(ctx context.Context, convID string) (*Thread, error) {
	return getThreadByConversation(ctx, s.db, convID)
}

func (t *Tx) GetThreadByConversation(ctx context.Context, convID string) (*Thread, error) {
	return getThreadByConversation(ctx, t.tx, convID)
}

// GetThread returns one thread by id, or ErrNotFound.
func (s *Store) GetThread(ctx context.Context, id string) (*Thread, error) {
	var th Thread
	err := s.db.GetContext(ctx, &th, `SELECT * FROM wm_threads WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", id, err)
	}
	return &th, nil
}

// ListThreads returns threads most recently active first. An empty status
// matches everything.
func (s *Store) ListThreads(ctx context.Context, status ThreadStatus, limit int) ([]Thread, error) {
	var out []Thread
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &out,
			`SELECT * FROM wm_threads ORDER BY last_activity_at DESC LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &out,
			`SELECT * FROM wm_threads WHERE status = ? ORDER BY last_activity_at DESC LIMIT ?`,
			status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return out, nil
}

// SetThreadStatus transitions one thread.
func (s *Store) SetThreadStatus(ctx context.Context, id string, status ThreadStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE wm_threads SET status = ?, updated_at = ? WHERE id = ?`, status, now(), id)
	if err != nil {
		return fmt.Errorf("set thread status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkThreadsStale moves active threads with no activity since cutoff to
// stale. Returns the number of threads transitioned.
func (t *Tx) MarkThreadsStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
        UPDATE wm_threads SET status = ?, updated_at = ?
        WHERE status = ? AND last_activity_at < ?`,
		ThreadStale, now(), ThreadActive, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark threads stale: %w", err)
	}
	return res.RowsAffected()
}

// EscalateThreadUrgency raises quiet reply-needing threads to today.
func (t *Tx) EscalateThreadUrgency(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
        UPDATE wm_threads SET urgency = ?, updated_at = ?
        WHERE status IN (?, ?) AND needs_reply = 1
          AND urgency IN (?, ?) AND last_activity_at < ?`,
		UrgencyToday, now(), ThreadActive, ThreadAwaitingReply,
		UrgencyThisWeek, UrgencySomeday, cutoff)
	if err != nil {
		return 0, fmt.Errorf("escalate thread urgency: %w", err)
	}
	return res.RowsAffected()
}

// ThreadsNeedingReplyNudge finds reply-needing threads idle since cutoff.
func (s *Store) ThreadsNeedingReplyNudge(ctx context.Context, cutoff time.Time) ([]Thread, error) {
	var out []Thread
	err := s.db.SelectContext(ctx, &out, `
        SELECT * FROM wm_threads
        WHERE needs_reply = 1 AND status NOT IN (?, ?, ?)
          AND last_activity_at < ?
        ORDER BY last_activity_at ASC`,
		ThreadResolved, ThreadStale, ThreadArchived, cutoff)
	if err != nil {
		return nil, fmt.Errorf("reply nudge scan: %w", err)
	}
	return out, nil
}

// StaleUrgentThreads finds immediate or today threads that went quiet.
func (s *Store) StaleUrgentThreads(ctx context.Context, cutoff time.Time) ([]Thread, error) {
	var out []Thread
	err := s.db.SelectContext(ctx, &out, `
        SELECT * FROM wm_threads
        WHERE urgency IN (?, ?) AND status = ? AND last_activity_at < ?
        ORDER BY last_activity_at ASC`,
		UrgencyImmediate, UrgencyToday, ThreadActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stale urgent scan: %w", err)
	}
	return out, nil
}

// --- contacts ---

// ContactBump carries the per-message counter deltas for one contact.
type ContactBump struct {
	Email         string
	Name          string
	TheyInitiated int
	UserInitiated int
	Cc            int
	IsInternal    bool
	At            time.Time
}

// BumpContact inserts or updates a contact, incrementing the interaction
// counters. The name only overwrites when the incoming one is non-empty.
func (t *Tx) BumpContact(ctx context.Context, b ContactBump) error {
	if b.At.IsZero() {
		b.At = now()
	}
	_, err := t.tx.ExecContext(ctx, `
        INSERT INTO wm_contacts (id, email, name, organization, relationship,
                                 first_seen_at, last_interaction_at, total_messages,
                                 they_initiated, user_initiated, cc_count,
                                 is_internal, updated_at)
        VALUES (?, ?, ?, '', ?, ?, ?, 1, ?, ?, ?, ?, ?)
        ON CONFLICT(email) DO UPDATE SET
            name                = CASE WHEN excluded.name != '' THEN excluded.name ELSE wm_contacts.name END,
            last_interaction_at = excluded.last_interaction_at,
            total_messages      = wm_contacts.total_messages + 1,
            they_initiated      = wm_contacts.they_initiated + ?,
            user_initiated      = wm_contacts.user_initiated + ?,
            cc_count            = wm_contacts.cc_count + ?,
            is_internal         = excluded.is_internal,
            updated_at          = excluded.updated_at`,
		uuid.NewString(), b.Email, b.Name, RelationUnknown, b.At, b.At,
		b.TheyInitiated, b.UserInitiated, b.Cc, b.IsInternal, b.At,
		b.TheyInitiated, b.UserInitiated, b.Cc)
	if err != nil {
		return fmt.Errorf("bump contact: %w", err)
	}
	return nil
}

// SetContactRelationship overrides the learned relationship for a contact.
func (t *Tx) SetContactRelationship(ctx context.Context, email string, rel Relationship) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE wm_contacts SET relationship = ?, updated_at = ? WHERE email = ?`,
		rel, now(), email)
	if err != nil {
		return fmt.Errorf("set relationship: %w", err)
	}
	return nil
}

// GetContactByEmail returns one contact, or ErrNotFound.
func (s *Store) GetContactByEmail(ctx context.Context, email string) (*Contact, error) {
	var c Contact
	err := s.db.GetContext(ctx, &c, `SELECT * FROM wm_contacts WHERE email = ?`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return &c, nil
}

// ListContacts returns contacts by recency of interaction.
func (s *Store) ListContacts(ctx context.Context, limit int) ([]Contact, error) {
	var out []Contact
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM wm_contacts ORDER BY last_interaction_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return out, nil
}

// --- projects ---

const projectConfidenceStep = 0.1
const projectInitialConfidence = 0.3
const projectMaxThreads = 20

// UpsertProjectMention records one more sighting of a project name. New
// projects start at low confidence; repeats raise it by a step up to 1.0.
// related_threads keeps the most recent 20 distinct thread keys.
func (t *Tx) UpsertProjectMention(ctx context.Context, name, threadKey string, at time.Time) error {
	if at.IsZero() {
		at = now()
	}
	var p Project
	err := sqlx.GetContext(ctx, t.tx, &p,
		`SELECT * FROM wm_projects WHERE name = ? COLLATE NOCASE`, name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		p = Project{
			ID:               uuid.NewString(),
			Name:             name,
			RelatedThreads:   StringList{},
			Confidence:       projectInitialConfidence,
			FirstMentionedAt: at,
			LastActivityAt:   at,
			UpdatedAt:        now(),
		}
		if threadKey != "" {
			p.RelatedThreads = StringList{threadKey}
		}
		_, err = t.tx.NamedExecContext(ctx, `
            INSERT INTO wm_projects (id, name, related_threads, confidence,
                                     first_mentioned_at, last_activity_at, updated_at)
            VALUES (:id, :name, :related_threads, :confidence,
                    :first_mentioned_at, :last_activity_at, :updated_at)`, &p)
		if err != nil {
			return fmt.Errorf("insert project %q: %w", name, err)
		}
		return nil

	case err != nil:
		return fmt.Errorf("get project %q: %w", name, err)
	}

	p.Confidence += projectConfidenceStep
	if p.Confidence > 1.0 {
		p.Confidence = 1.0
	}
	if threadKey != "" && !p.RelatedThreads.Contains(threadKey) {
		p.RelatedThreads = append(p.RelatedThreads, threadKey)
		if len(p.RelatedThreads) > projectMaxThreads {
			p.RelatedThreads = p.RelatedThreads[len(p.RelatedThreads)-projectMaxThreads:]
		}
	}
	p.LastActivityAt = at
	p.UpdatedAt = now()
	_, err = t.tx.NamedExecContext(ctx, `
        UPDATE wm_projects SET related_threads = :related_threads,
            confidence = :confidence, last_activity_at = :last_activity_at,
            updated_at = :updated_at
        WHERE id = :id`, &p)
	if err != nil {
		return fmt.Errorf("update project %q: %w", name, err)
	}
	return nil
}

// GetProjectByName looks a project up case-insensitively.
func (s *Store) GetProjectByName(ctx context.Context, name string) (*Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, `SELECT * FROM wm_projects WHERE name = ? COLLATE NOCASE`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// ListProjects returns projects by recency of mention.
func (s *Store) ListProjects(ctx context.Context, limit int) ([]Project, error) {
	var out []Project
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM wm_projects ORDER BY last_activity_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out, nil
}

// --- observations ---

// InsertObservation stores one learned observation.
func (t *Tx) InsertObservation(ctx context.Context, o *Observation) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.ObservedAt.IsZero() {
		o.ObservedAt = now()
	}
	_, err := t.tx.NamedExecContext(ctx, `
        INSERT INTO wm_observations (id, type, content, source_message_id,
                                     confidence, observed_at)
        VALUES (:id, :type, :content, :source_message_id, :confidence, :observed_at)`, o)
	if err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}
	return nil
}

// ListObservations returns observations newest first. An empty type matches
// everything.
func (s *Store) ListObservations(ctx context.Context, obsType ObservationType, limit int) ([]Observation, error) {
	var out []Observation
	var err error
	if obsType == "" {
		err = s.db.SelectContext(ctx, &out,
			`SELECT * FROM wm_observations ORDER BY observed_at DESC LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &out,
			`SELECT * FROM wm_observations WHERE type = ? ORDER BY observed_at DESC LIMIT ?`,
			obsType, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	return out, nil
}

// PruneObservationsBefore deletes observations older than the cutoff.
func (t *Tx) PruneObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM wm_observations WHERE observed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune observations: %w", err)
	}
	return res.RowsAffected()
}

// --- decisions ---

// InsertDecision stores one pending decision.
func (t *Tx) InsertDecision(ctx context.Context, d *Decision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now()
	}
	d.UpdatedAt = d.CreatedAt
	_, err := t.tx.NamedExecContext(ctx, `
        INSERT INTO wm_decisions (id, question, context, options, source,
                                  requester, urgency, deadline, is_resolved,
                                  created_at, updated_at)
        VALUES (:id, :question, :context, :options, :source, :requester,
                :urgency, :deadline, :is_resolved, :created_at, :updated_at)`, d)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// ListDecisions returns decisions newest first, optionally only unresolved.
func (s *Store) ListDecisions(ctx context.Context, onlyPending bool, limit int) ([]Decision, error) {
	q := `SELECT * FROM wm_decisions ORDER BY created_at DESC LIMIT ?`
	if onlyPending {
		q = `SELECT * FROM wm_decisions WHERE is_resolved = 0 ORDER BY created_at DESC LIMIT ?`
	}
	var out []Decision
	if err := s.db.SelectContext(ctx, &out, q, limit); err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return out, nil
}

// ResolveDecision marks a decision answered.
func (s *Store) ResolveDecision(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE wm_decisions SET is_resolved = 1, updated_at = ? WHERE id = ?`, now(), id)
	if err != nil {
		return fmt.Errorf("resolve decision: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EscalateDecisions raises old unresolved decisions to today.
func (t *Tx) EscalateDecisions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
        UPDATE wm_decisions SET urgency = ?, updated_at = ?
        WHERE is_resolved = 0 AND urgency IN (?, ?) AND created_at < ?`,
		UrgencyToday, now(), UrgencyThisWeek, UrgencySomeday, cutoff)
	if err != nil {
		return 0, fmt.Errorf("escalate decisions: %w", err)
	}
	return res.RowsAffected()
}

// PendingDecisionsOlderThan finds unresolved decisions created before cutoff.
func (s *Store) PendingDecisionsOlderThan(ctx context.Context, cutoff time.Time) ([]Decision, error) {
	var out []Decision
	err := s.db.SelectContext(ctx, &out, `
        SELECT * FROM wm_decisions
        WHERE is_resolved = 0 AND created_at < ?
        ORDER BY created_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("pending decision scan: %w", err)
	}
	return out, nil
}

// --- commitments ---

// InsertCommitment stores one promise the user made.
func (t *Tx) InsertCommitment(ctx context.Context, c *Commitment) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CommittedAt.IsZero() {
		c.CommittedAt = now()
	}
	c.UpdatedAt = now()
	_, err := t.tx.NamedExecContext(ctx, `
        INSERT INTO wm_commitments (id, description, to_whom, source,
                                    committed_at, due_by, is_completed, updated_at)
        VALUES (:id, :description, :to_whom, :source, :committed_at, :due_by,
                :is_completed, :updated_at)`, c)
	if err != nil {
		return fmt.Errorf("insert commitment: %w", err)
	}
	return nil
}

// ListCommitments returns commitments by due date then recency.
func (s *Store) ListCommitments(ctx context.Context, onlyOpen bool, limit int) ([]Commitment, error) {
	q := `SELECT * FROM wm_commitments ORDER BY due_by IS NULL, due_by ASC, committed_at DESC LIMIT ?`
	if onlyOpen {
		q = `SELECT * FROM wm_commitments WHERE is_completed = 0
             ORDER BY due_by IS NULL, due_by ASC, committed_at DESC LIMIT ?`
	}
	var out []Commitment
	if err := s.db.SelectContext(ctx, &out, q, limit); err != nil {
		return nil, fmt.Errorf("list commitments: %w", err)
	}
	return out, nil
}

// CompleteCommitment marks a commitment done.
func (s *Store) CompleteCommitment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE wm_commitments SET is_completed = 1, updated_at = ? WHERE id = ?`, now(), id)
	if err != nil {
		return fmt.Errorf("complete commitment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OverdueCommitments finds open commitments whose due date has passed.
func (s *Store) OverdueCommitments(ctx context.Context, asOf time.Time) ([]Commitment, error) {
	var out []Commitment
	err := s.db.SelectContext(ctx, &out, `
        SELECT * FROM wm_commitments
        WHERE is_completed = 0 AND due_by IS NOT NULL AND due_by < ?
        ORDER BY due_by ASC`, asOf)
	if err != nil {
		return nil, fmt.Errorf("overdue commitment scan: %w", err)
	}
	return out, nil
}
