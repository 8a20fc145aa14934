// Package worker drives the mailbox pipeline: one background loop that
// syncs folders, extracts attachments, chunks and embeds new content,
// triages the backlog and fans newly triaged messages out to working
// memory and the alert rules.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/inbox-intel/internal/alerts"
	"github.com/ignite/inbox-intel/internal/chunker"
	"github.com/ignite/inbox-intel/internal/embedder"
	"github.com/ignite/inbox-intel/internal/ingest"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/replicator"
	"github.com/ignite/inbox-intel/internal/storage"
	"github.com/ignite/inbox-intel/internal/triage"
)

// Per-cycle stage batch sizes. Unfinished backlog carries over to the
// next cycle.
const (
	extractBatch = 50
	chunkBatch   = 100
	embedBatch   = 200
	triageBatch  = 25
)

// initialLookback bounds the first sync of a folder that has no delta
// token yet.
const initialLookback = 30 * 24 * time.Hour

// Syncer mirrors mailbox folders into the store.
type Syncer interface {
	SyncAllFolders(ctx context.Context, since time.Time, fetchBody bool) (replicator.Summary, error)
}

// Extractor drains pending attachments.
type Extractor interface {
	ProcessPending(ctx context.Context, limit int) (ingest.Report, error)
}

// Chunker turns extracted content into chunk rows.
type Chunker interface {
	ProcessPending(ctx context.Context, limit int) (chunker.Report, error)
}

// Embedder encodes unembedded chunks.
type Embedder interface {
	ProcessPending(ctx context.Context, limit int, progress func(done, total int)) (embedder.Report, error)
}

// Organizer classifies the backlog and owns the follow-up and digest
// checks that ride on the same cycle.
type Organizer interface {
	ProcessPending(ctx context.Context, limit int) (triage.Report, error)
	CheckFollowUps(ctx context.Context) (int, error)
	MaybeEmitWeeklyDigest(ctx context.Context, now time.Time) (bool, error)
}

// MemoryUpdater folds one message into working memory.
type MemoryUpdater interface {
	ProcessMessage(ctx context.Context, m *storage.Message) error
}

// AlertEvaluator offers one event to the alert rules.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, ev alerts.Event) error
}

// Deps are the pipeline's stage implementations.
type Deps struct {
	Store     *storage.Store
	Sync      Syncer
	Extract   Extractor
	Chunk     Chunker
	Embed     Embedder
	Organizer Organizer
	Memory    MemoryUpdater
	Alerts    AlertEvaluator
}

// CycleReport summarises one pipeline cycle.
type CycleReport struct {
	Synced        int  `json:"synced"`
	Deleted       int  `json:"deleted"`
	Extracted     int  `json:"extracted"`
	Chunked       int  `json:"chunked"`
	Embedded      int  `json:"embedded"`
	Triaged       int  `json:"triaged"`
	MemoryUpdates int  `json:"memory_updates"`
	FollowUps     int  `json:"follow_ups"`
	DigestSent    bool `json:"digest_sent"`
	Failures      int  `json:"failures"`
}

// Pipeline runs the stages in order on a timer. A tick that lands while a
// cycle is still in flight is skipped.
type Pipeline struct {
	deps     Deps
	interval time.Duration

	totalCycles   int64
	totalSynced   int64
	totalTriaged  int64
	totalFailures int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	cycleMu sync.Mutex
}

// New builds a pipeline. A zero interval falls back to five seconds.
func New(deps Deps, interval time.Duration) *Pipeline {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Pipeline{deps: deps, interval: interval}
}

// Start launches the background loop. The first cycle runs immediately.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	logger.Info("pipeline started", "interval", p.interval.String())
	p.wg.Add(1)
	go p.loop()
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	logger.Info("pipeline stopped",
		"cycles", atomic.LoadInt64(&p.totalCycles),
		"synced", atomic.LoadInt64(&p.totalSynced),
		"triaged", atomic.LoadInt64(&p.totalTriaged),
		"failures", atomic.LoadInt64(&p.totalFailures))
}

// IsRunning reports whether the loop is active.
func (p *Pipeline) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Stats returns lifetime counters for the status endpoint.
func (p *Pipeline) Stats() map[string]int64 {
	return map[string]int64{
		"cycles":   atomic.LoadInt64(&p.totalCycles),
		"synced":   atomic.LoadInt64(&p.totalSynced),
		"triaged":  atomic.LoadInt64(&p.totalTriaged),
		"failures": atomic.LoadInt64(&p.totalFailures),
	}
}

func (p *Pipeline) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runGuarded(p.ctx)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runGuarded(p.ctx)
		}
	}
}

func (p *Pipeline) runGuarded(ctx context.Context) {
	if !p.cycleMu.TryLock() {
		logger.Debug("pipeline cycle still in flight, skipping tick")
		return
	}
	defer p.cycleMu.Unlock()
	if _, err := p.RunCycle(ctx); err != nil && ctx.Err() == nil {
		logger.Error("pipeline cycle failed", "error", err.Error())
	}
}

// RunCycle executes one full pass. Stage failures are logged and counted
// so a broken stage cannot wedge the ones behind it; only context
// cancellation aborts the cycle.
func (p *Pipeline) RunCycle(ctx context.Context) (CycleReport, error) {
	var rep CycleReport
	atomic.AddInt64(&p.totalCycles, 1)
	start := time.Now()

	sum, err := p.deps.Sync.SyncAllFolders(ctx, time.Now().UTC().Add(-initialLookback), true)
	rep.Synced = sum.Synced
	rep.Deleted = sum.Deleted
	rep.Failures += sum.Failures
	if err != nil {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		logger.Error("folder sync failed", "error", err.Error())
		rep.Failures++
	}

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if r, err := p.deps.Extract.ProcessPending(ctx, extractBatch); err != nil {
		logger.Error("attachment extraction failed", "error", err.Error())
		rep.Failures++
	} else {
		rep.Extracted = r.Processed
		rep.Failures += r.Failed
	}

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if r, err := p.deps.Chunk.ProcessPending(ctx, chunkBatch); err != nil {
		logger.Error("chunking failed", "error", err.Error())
		rep.Failures++
	} else {
		rep.Chunked = r.Chunks
		rep.Failures += r.Failed
	}

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if r, err := p.deps.Embed.ProcessPending(ctx, embedBatch, nil); err != nil {
		logger.Error("embedding failed", "error", err.Error())
		rep.Failures++
	} else {
		rep.Embedded = r.Processed
		rep.Failures += r.Failed
	}

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if r, err := p.deps.Organizer.ProcessPending(ctx, triageBatch); err != nil {
		logger.Error("triage failed", "error", err.Error())
		rep.Failures++
	} else {
		rep.Triaged = r.Processed
		rep.Failures += r.Failed
		p.fanOut(ctx, r.ProcessedIDs, &rep)
	}

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if n, err := p.deps.Organizer.CheckFollowUps(ctx); err != nil {
		logger.Error("follow-up check failed", "error", err.Error())
		rep.Failures++
	} else {
		rep.FollowUps = n
	}

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if sent, err := p.deps.Organizer.MaybeEmitWeeklyDigest(ctx, time.Now().UTC()); err != nil {
		logger.Error("weekly digest failed", "error", err.Error())
		rep.Failures++
	} else {
		rep.DigestSent = sent
	}

	atomic.AddInt64(&p.totalSynced, int64(rep.Synced))
	atomic.AddInt64(&p.totalTriaged, int64(rep.Triaged))
	atomic.AddInt64(&p.totalFailures, int64(rep.Failures))

	if rep != (CycleReport{}) {
		logger.Info("pipeline cycle complete",
			"synced", rep.Synced,
			"triaged", rep.Triaged,
			"memory_updates", rep.MemoryUpdates,
			"failures", rep.Failures,
			"elapsed", time.Since(start).Round(time.Millisecond).String())
	}
	return rep, nil
}

// fanOut folds each newly triaged message into working memory and offers
// it to the alert rules as an email_received event.
func (p *Pipeline) fanOut(ctx context.Context, ids []string, rep *CycleReport) {
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		m, err := p.deps.Store.GetMessage(ctx, id)
		if err != nil {
			logger.Warn("load triaged message failed", "message_id", id, "error", err)
			rep.Failures++
			continue
		}
		if err := p.deps.Memory.ProcessMessage(ctx, m); err != nil {
			logger.Warn("working-memory update failed", "message_id", id, "error", err)
			rep.Failures++
		} else {
			rep.MemoryUpdates++
		}

		category := ""
		if m.Category != nil {
			category = *m.Category
		}
		urgency := ""
		var labels []string
		if th, err := p.deps.Store.GetThreadByConversation(ctx, m.ThreadKey()); err == nil {
			urgency = string(th.Urgency)
			labels = th.Labels
		}
		if err := p.deps.Alerts.Evaluate(ctx, alerts.EmailEvent(m, category, urgency, labels)); err != nil {
			logger.Warn("alert evaluation failed", "message_id", id, "error", err)
			rep.Failures++
		}
	}
}
