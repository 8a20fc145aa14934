package wm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/inbox-intel/internal/config"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/storage"
	"github.com/ignite/inbox-intel/internal/trigger"
)

// minEngineInterval floors the maintenance ticker; cycles scan whole tables
// and gain nothing from running more often.
const minEngineInterval = time.Minute

// urgentStaleAfter is how long an immediate or today thread may sit quiet
// before it is flagged.
const urgentStaleAfter = 24 * time.Hour

// TriggerWriter emits deduplicated triggers.
type TriggerWriter interface {
	Write(ctx context.Context, typ string, payload map[string]any, dedupeKey string, routing *trigger.Routing) (bool, error)
}

// CycleReport summarises one maintenance cycle.
type CycleReport struct {
	ThreadsMarkedStale int64 `json:"threads_marked_stale"`
	ThreadsEscalated   int64 `json:"threads_escalated"`
	DecisionsEscalated int64 `json:"decisions_escalated"`
	ObservationsPruned int64 `json:"observations_pruned"`
	FactsExpired       int64 `json:"facts_expired"`
	Nudges             int   `json:"nudges"`
}

// Engine ages working memory on a ticker: staleness, urgency escalation,
// observation retention, fact expiry, and overdue nudges.
type Engine struct {
	store    *storage.Store
	triggers TriggerWriter
	cfg      config.WMConfig

	running sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewEngine(store *storage.Store, tw TriggerWriter, cfg config.WMConfig) *Engine {
	return &Engine{store: store, triggers: tw, cfg: cfg}
}

// Start launches the maintenance loop. The first cycle runs immediately.
func (e *Engine) Start(ctx context.Context) {
	interval := e.cfg.EngineInterval()
	if interval < minEngineInterval {
		interval = minEngineInterval
	}
	e.stopCh = make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		logger.Info("working-memory engine started", "interval", interval.String())
		e.runGuarded(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.runGuarded(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (e *Engine) Stop() {
	if e.stopCh == nil {
		return
	}
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	e.wg.Wait()
}

// runGuarded skips the cycle when the previous one is still running.
func (e *Engine) runGuarded(ctx context.Context) {
	if !e.running.TryLock() {
		logger.Debug("maintenance cycle still running, skipping tick")
		return
	}
	defer e.running.Unlock()
	if _, err := e.RunCycle(ctx, time.Now().UTC()); err != nil {
		logger.Error("maintenance cycle failed", "error", err)
	}
}

// RunCycle performs one maintenance pass as of now. The table updates commit
// in a single transaction; nudge emission follows and is absorbed by dedupe
// keys, so back-to-back cycles with no new data emit nothing.
func (e *Engine) RunCycle(ctx context.Context, now time.Time) (CycleReport, error) {
	var rep CycleReport

	staleCutoff := now.AddDate(0, 0, -e.days(e.cfg.StaleThresholdDays, 3))
	escalateCutoff := now.AddDate(0, 0, -e.days(e.cfg.UrgencyEscalationDays, 2))
	pruneCutoff := now.AddDate(0, 0, -e.days(e.cfg.ObservationRetentionDays, 30))

	err := e.store.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		if rep.ThreadsMarkedStale, err = tx.MarkThreadsStale(ctx, staleCutoff); err != nil {
			return err
		}
		if rep.ThreadsEscalated, err = tx.EscalateThreadUrgency(ctx, escalateCutoff); err != nil {
			return err
		}
		if rep.DecisionsEscalated, err = tx.EscalateDecisions(ctx, escalateCutoff); err != nil {
			return err
		}
		if rep.ObservationsPruned, err = tx.PruneObservationsBefore(ctx, pruneCutoff); err != nil {
			return err
		}
		if rep.FactsExpired, err = tx.ExpireFacts(ctx, now); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return rep, err
	}

	n, err := e.emitNudges(ctx, now)
	rep.Nudges = n
	if err != nil {
		return rep, err
	}

	if rep != (CycleReport{}) {
		logger.Info("maintenance cycle complete",
			"stale", rep.ThreadsMarkedStale,
			"escalated_threads", rep.ThreadsEscalated,
			"escalated_decisions", rep.DecisionsEscalated,
			"pruned_observations", rep.ObservationsPruned,
			"expired_facts", rep.FactsExpired,
			"nudges", rep.Nudges)
	}
	return rep, nil
}

func (e *Engine) days(configured, fallback int) int {
	if configured > 0 {
		return configured
	}
	return fallback
}

func (e *Engine) emitNudges(ctx context.Context, now time.Time) (int, error) {
	emitted := 0

	replyCutoff := now.AddDate(0, 0, -e.days(e.cfg.ReplyNudgeDays, 2))
	threads, err := e.store.ThreadsNeedingReplyNudge(ctx, replyCutoff)
	if err != nil {
		return emitted, err
	}
	for i := range threads {
		th := &threads[i]
		emitted += e.emit(ctx, map[string]any{
			"kind":             "reply_overdue",
			"thread_id":        th.ID,
			"conversation_id":  th.ConversationID,
			"subject":          th.Subject,
			"urgency":          string(storage.UrgencyToday),
			"last_activity_at": th.LastActivityAt.UTC().Format(time.RFC3339),
			"web_link":         th.LatestWebLink,
		}, fmt.Sprintf("wmnudge:reply_overdue:%s", th.ID))
	}

	commitments, err := e.store.OverdueCommitments(ctx, now)
	if err != nil {
		return emitted, err
	}
	for i := range commitments {
		c := &commitments[i]
		payload := map[string]any{
			"kind":          "commitment_overdue",
			"commitment_id": c.ID,
			"description":   c.Description,
			"to_whom":       c.ToWhom,
			"urgency":       string(storage.UrgencyImmediate),
		}
		if c.DueBy != nil {
			payload["due_by"] = c.DueBy.UTC().Format(time.RFC3339)
		}
		emitted += e.emit(ctx, payload, fmt.Sprintf("wmnudge:commitment_overdue:%s", c.ID))
	}

	urgentStale, err := e.store.StaleUrgentThreads(ctx, now.Add(-urgentStaleAfter))
	if err != nil {
		return emitted, err
	}
	for i := range urgentStale {
		th := &urgentStale[i]
		emitted += e.emit(ctx, map[string]any{
			"kind":             "urgent_thread_stale",
			"thread_id":        th.ID,
			"conversation_id":  th.ConversationID,
			"subject":          th.Subject,
			"urgency":          string(th.Urgency),
			"last_activity_at": th.LastActivityAt.UTC().Format(time.RFC3339),
		}, fmt.Sprintf("wmnudge:urgent_thread_stale:%s", th.ID))
	}

	decisionCutoff := now.AddDate(0, 0, -e.days(e.cfg.DecisionNudgeDays, 3))
	decisions, err := e.store.PendingDecisionsOlderThan(ctx, decisionCutoff)
	if err != nil {
		return emitted, err
	}
	for i := range decisions {
		d := &decisions[i]
		emitted += e.emit(ctx, map[string]any{
			"kind":        "decision_pending",
			"decision_id": d.ID,
			"question":    d.Question,
			"requester":   d.Requester,
			"urgency":     string(d.Urgency),
		}, fmt.Sprintf("wmnudge:decision_pending:%s", d.ID))
	}

	return emitted, nil
}

func (e *Engine) emit(ctx context.Context, payload map[string]any, key string) int {
	ok, err := e.triggers.Write(ctx, "working_memory_nudge", payload, key, nil)
	if err != nil {
		logger.Warn("nudge emission failed", "key", key, "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	return 1
}
