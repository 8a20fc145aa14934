// Package trigger publishes durable trigger files into an outbox directory
// for downstream agents to pick up. Each trigger carries a dedupe key backed
// by a ledger in the store, giving at-most-once semantics per key across
// restarts.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/storage"
)

// Routing directs a trigger to a delivery channel, for alert rules that
// name one ("notify me on slack").
type Routing struct {
	Channel string `json:"channel"`
	Target  string `json:"target,omitempty"`
}

// Event is the on-disk trigger format.
type Event struct {
	ID        string         `json:"id"`
	User      string         `json:"user"`
	Type      string         `json:"type"`
	CreatedAt string         `json:"created_at"`
	Payload   map[string]any `json:"payload"`
	Routing   *Routing       `json:"routing,omitempty"`
}

// Emitter writes triggers for one mailbox user.
type Emitter struct {
	dir    string
	user   string
	store  *storage.Store
	rdb    *redis.Client
	stream string
}

func New(dir, user string, store *storage.Store) *Emitter {
	return &Emitter{dir: dir, user: user, store: store}
}

// WithStream mirrors every emitted trigger onto a Redis stream. Stream
// failures are logged, never fatal; the file outbox remains authoritative.
func (e *Emitter) WithStream(rdb *redis.Client, stream string) *Emitter {
	e.rdb = rdb
	e.stream = stream
	return e
}

// Write emits one trigger. A dedupe key already present in the ledger
// suppresses the emission and returns false. The file lands via temp write
// plus rename so consumers never observe a partial trigger.
func (e *Emitter) Write(ctx context.Context, typ string, payload map[string]any, dedupeKey string, routing *Routing) (bool, error) {
	if dedupeKey != "" {
		seen, err := e.store.SeenTrigger(ctx, dedupeKey)
		if err != nil {
			return false, err
		}
		if seen {
			logger.Debug("trigger suppressed", "type", typ, "dedupe_key", dedupeKey)
			return false, nil
		}
	}

	now := time.Now().UTC()
	ev := Event{
		ID:        uuid.NewString(),
		User:      e.user,
		Type:      typ,
		CreatedAt: now.Format(time.RFC3339),
		Payload:   payload,
		Routing:   routing,
	}
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal trigger: %w", err)
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return false, fmt.Errorf("create trigger dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%s.json", now.Format("20060102T150405"), typ, ev.ID)
	final := filepath.Join(e.dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return false, fmt.Errorf("write trigger: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("publish trigger: %w", err)
	}

	if dedupeKey != "" {
		if err := e.store.RecordTrigger(ctx, dedupeKey, typ); err != nil {
			// The file is out; report the ledger failure so the
			// caller knows a duplicate may follow.
			return true, err
		}
	}

	if e.rdb != nil {
		err := e.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: e.stream,
			Values: map[string]any{"trigger": string(data)},
		}).Err()
		if err != nil {
			logger.Warn("trigger stream publish failed", "stream", e.stream, "error", err)
		}
	}

	logger.Info("trigger emitted", "type", typ, "file", name)
	return true, nil
}

// Recent returns up to limit triggers still sitting in the outbox, newest
// first. Consumed (deleted) triggers no longer appear.
func (e *Emitter) Recent(limit int) ([]Event, error) {
	entries, err := os.ReadDir(e.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trigger dir: %w", err)
	}

	var names []string
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		names = append(names, ent.Name())
	}
	// Timestamp-prefixed names sort chronologically.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if len(names) > limit {
		names = names[:limit]
	}

	out := make([]Event, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(e.dir, name))
		if err != nil {
			logger.Warn("unreadable trigger file", "file", name, "error", err)
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Warn("malformed trigger file", "file", name, "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
