// Command inboxctl administers the mailbox service from the terminal. Each
// subcommand runs one pipeline stage or query against the local store and
// prints its result as JSON so the output can feed scripts.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/inbox-intel/internal/alerts"
	"github.com/ignite/inbox-intel/internal/chunker"
	"github.com/ignite/inbox-intel/internal/config"
	"github.com/ignite/inbox-intel/internal/embedder"
	"github.com/ignite/inbox-intel/internal/graph"
	"github.com/ignite/inbox-intel/internal/ingest"
	"github.com/ignite/inbox-intel/internal/llm"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/replicator"
	"github.com/ignite/inbox-intel/internal/search"
	"github.com/ignite/inbox-intel/internal/storage"
	"github.com/ignite/inbox-intel/internal/triage"
	"github.com/ignite/inbox-intel/internal/trigger"
	"github.com/ignite/inbox-intel/internal/wm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return nil
	}
	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return nil
	}

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Service.LogLevel))
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := storage.Open(cfg.State.ResolveDBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	a := &app{cfg: cfg, store: store}
	if cfg.Redis.Addr != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer a.rdb.Close()
	}

	ctx := context.Background()

	switch cmd {
	case "sync":
		return a.sync(ctx, args)
	case "extract":
		return a.extract(ctx, args)
	case "chunk":
		return a.chunk(ctx, args)
	case "embed":
		return a.embed(ctx, args)
	case "triage":
		return a.triage(ctx, args)
	case "engine":
		return a.engine(ctx)
	case "search":
		return a.search(ctx, args)
	case "status":
		return a.status(ctx)
	case "rule-add":
		return a.ruleAdd(ctx, args)
	case "rule-list":
		return a.ruleList(ctx)
	case "digest":
		return a.digest(ctx, args)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type app struct {
	cfg   *config.Config
	store *storage.Store
	rdb   *redis.Client
}

func (a *app) user() string {
	return a.cfg.Graph.DelegatedUser
}

func (a *app) graphClient() *graph.Client {
	return graph.NewClient(a.cfg.Graph)
}

func (a *app) emitter() *trigger.Emitter {
	e := trigger.New(a.cfg.State.TriggerDir(), a.user(), a.store)
	if a.rdb != nil && a.cfg.Redis.Stream != "" {
		e = e.WithStream(a.rdb, a.cfg.Redis.Stream)
	}
	return e
}

func (a *app) organizer() (*triage.Organizer, error) {
	llmClient, err := llm.New(a.cfg.LLM)
	if err != nil {
		return nil, err
	}
	return triage.New(a.store, a.graphClient(), llmClient, a.emitter(), a.cfg.Triage, a.cfg.Digest, a.user()), nil
}

func (a *app) sync(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	days := fs.Int("days", 30, "Lookback window for folders that have no delta token yet")
	headers := fs.Bool("headers-only", false, "Skip full bodies, fetch headers and preview only")
	fs.Parse(args)

	rep := replicator.New(a.graphClient(), a.store, a.user())
	since := time.Now().UTC().Add(-time.Duration(*days) * 24 * time.Hour)
	sum, err := rep.SyncAllFolders(ctx, since, !*headers)
	if err != nil {
		return err
	}
	return printJSON(sum)
}

func (a *app) extract(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	limit := fs.Int("limit", 50, "Max attachments to extract in this pass")
	fs.Parse(args)

	rep, err := ingest.New(a.graphClient(), a.store, a.cfg.Extraction).ProcessPending(ctx, *limit)
	if err != nil {
		return err
	}
	return printJSON(rep)
}

func (a *app) chunk(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chunk", flag.ExitOnError)
	limit := fs.Int("limit", 100, "Max messages and attachments to chunk in this pass")
	fs.Parse(args)

	rep, err := chunker.New(a.store).ProcessPending(ctx, *limit)
	if err != nil {
		return err
	}
	return printJSON(rep)
}

func (a *app) embed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("embed", flag.ExitOnError)
	limit := fs.Int("limit", 200, "Max chunks to embed in this pass")
	fs.Parse(args)

	enc, err := embedder.NewEncoder(a.cfg.Embedding, a.cfg.LLM)
	if err != nil {
		return err
	}
	progress := func(done, total int) {
		fmt.Fprintf(os.Stderr, "embedded %d/%d\n", done, total)
	}
	rep, err := embedder.New(enc, a.store, a.cfg.Embedding).ProcessPending(ctx, *limit, progress)
	if err != nil {
		return err
	}
	return printJSON(rep)
}

func (a *app) triage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("triage", flag.ExitOnError)
	limit := fs.Int("limit", 25, "Max messages to triage in this pass")
	followups := fs.Bool("followups", false, "Also scan sent mail for unanswered asks")
	fs.Parse(args)

	org, err := a.organizer()
	if err != nil {
		return err
	}
	rep, err := org.ProcessPending(ctx, *limit)
	if err != nil {
		return err
	}
	out := struct {
		triage.Report
		FollowUps int `json:"follow_ups,omitempty"`
	}{Report: rep}
	if *followups {
		n, err := org.CheckFollowUps(ctx)
		if err != nil {
			return err
		}
		out.FollowUps = n
	}
	return printJSON(out)
}

func (a *app) engine(ctx context.Context) error {
	rep, err := wm.NewEngine(a.store, a.emitter(), a.cfg.WM).RunCycle(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	return printJSON(rep)
}

func (a *app) search(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	mode := fs.String("mode", "hybrid", "Search mode: hybrid, fts or vector")
	limit := fs.Int("limit", 10, "Max results")
	fs.Parse(args)

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return errors.New("usage: inboxctl search [-mode hybrid|fts|vector] [-limit n] <query>")
	}

	enc, err := embedder.NewEncoder(a.cfg.Embedding, a.cfg.LLM)
	if err != nil {
		return err
	}
	s := search.New(a.store, enc)

	var results []search.Result
	switch *mode {
	case "hybrid":
		results, err = s.Hybrid(ctx, query, *limit)
	case "fts":
		results, err = s.FTS(ctx, query, *limit)
	case "vector":
		results, err = s.Vector(ctx, query, *limit, 0)
	default:
		return fmt.Errorf("unknown search mode %q (want hybrid, fts or vector)", *mode)
	}
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"query":   query,
		"mode":    *mode,
		"count":   len(results),
		"results": results,
	})
}

func (a *app) status(ctx context.Context) error {
	folders, err := a.store.ListSyncStates(ctx)
	if err != nil {
		return err
	}
	unprocessed, err := a.store.CountUnprocessedMessages(ctx)
	if err != nil {
		return err
	}
	attachments, err := a.store.CountPendingAttachments(ctx)
	if err != nil {
		return err
	}
	unembedded, err := a.store.CountChunksMissingEmbedding(ctx)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"mailbox": a.user(),
		"folders": folders,
		"pending": map[string]int{
			"triage":      unprocessed,
			"attachments": attachments,
			"embeddings":  unembedded,
		},
	})
}

func (a *app) ruleAdd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rule-add", flag.ExitOnError)
	channel := fs.String("channel", "", "Delivery channel for the alert (e.g. slack)")
	target := fs.String("target", "", "Channel-specific destination (e.g. #alerts)")
	fs.Parse(args)

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return errors.New("usage: inboxctl rule-add [-channel c] [-target t] <rule text>")
	}

	llmClient, err := llm.New(a.cfg.LLM)
	if err != nil {
		return err
	}
	rule, err := alerts.NewEngine(a.store, llmClient, a.emitter()).CreateRule(ctx, text, *channel, *target)
	if err != nil {
		return err
	}
	return printJSON(rule)
}

func (a *app) ruleList(ctx context.Context) error {
	rules, err := a.store.ListAlertRules(ctx, false)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"count": len(rules), "rules": rules})
}

func (a *app) digest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("digest", flag.ExitOnError)
	force := fs.Bool("force", false, "Send now even if outside the configured window or disabled")
	fs.Parse(args)

	now := time.Now()
	if *force {
		a.cfg.Digest.Enabled = true
		now = digestClock(a.cfg.Digest, now)
	}
	org, err := a.organizer()
	if err != nil {
		return err
	}
	sent, err := org.MaybeEmitWeeklyDigest(ctx, now)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"sent": sent})
}

// digestClock rewinds now to the most recent configured digest slot so a
// forced send passes the schedule checks. Already-sent ISO weeks still
// dedupe.
func digestClock(dc config.DigestConfig, now time.Time) time.Time {
	loc, err := time.LoadLocation(dc.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	day := strings.ToLower(strings.TrimSpace(dc.Day))
	for i := 0; i < 7; i++ {
		if strings.ToLower(local.Weekday().String()) == day {
			break
		}
		local = local.AddDate(0, 0, -1)
	}
	hh, mm := 8, 0
	if t, err := time.Parse("15:04", strings.TrimSpace(dc.TimeLocal)); err == nil {
		hh, mm = t.Hour(), t.Minute()
	}
	return time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: inboxctl <command> [flags]

Pipeline stages (one-shot):
  sync       Pull folder and message changes from the mailbox
  extract    Extract text from pending attachments
  chunk      Chunk extracted content for indexing
  embed      Embed chunks that are missing vectors
  triage     Classify and file unprocessed messages
  engine     Run one working-memory maintenance cycle
  digest     Send the weekly digest (-force ignores the schedule)

Queries and administration:
  search     Search the mailbox index: inboxctl search -mode hybrid deadline
  status     Show folder sync state and stage backlogs
  rule-add   Create an alert rule from natural language
  rule-list  List alert rules

Run "inboxctl <command> -h" for command flags.
`)
}
