package trigger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-intel/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "trigger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newEmitter(t *testing.T) (*Emitter, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "triggers")
	return New(dir, "user@corp.example", newTestStore(t)), dir
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestWriteCreatesAtomicTriggerFile(t *testing.T) {
	ctx := context.Background()
	em, dir := newEmitter(t)

	emitted, err := em.Write(ctx, "urgent_email", map[string]any{
		"email_id": "msg-1",
		"subject":  "Server down",
	}, "urgent_email:user@corp.example:msg-1", nil)
	require.NoError(t, err)
	assert.True(t, emitted)

	files := listFiles(t, dir)
	require.Len(t, files, 1)
	assert.Contains(t, files[0], "_urgent_email_")
	assert.True(t, strings.HasSuffix(files[0], ".json"))
	assert.NotContains(t, files[0], ".tmp")

	data, err := os.ReadFile(filepath.Join(dir, files[0]))
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "user@corp.example", ev.User)
	assert.Equal(t, "urgent_email", ev.Type)
	assert.Equal(t, "msg-1", ev.Payload["email_id"])
	assert.Contains(t, ev.CreatedAt, "T")
	assert.NotContains(t, string(data), `"routing"`)
}

func TestDedupeKeySuppressesReplay(t *testing.T) {
	ctx := context.Background()
	em, dir := newEmitter(t)
	key := "reply_needed:user@corp.example:msg-2"

	emitted, err := em.Write(ctx, "reply_needed", map[string]any{"email_id": "msg-2"}, key, nil)
	require.NoError(t, err)
	assert.True(t, emitted)

	emitted, err = em.Write(ctx, "reply_needed", map[string]any{"email_id": "msg-2"}, key, nil)
	require.NoError(t, err)
	assert.False(t, emitted)

	assert.Len(t, listFiles(t, dir), 1)
}

func TestDistinctKeysEmitIndependently(t *testing.T) {
	ctx := context.Background()
	em, dir := newEmitter(t)

	for _, id := range []string{"msg-a", "msg-b"} {
		emitted, err := em.Write(ctx, "reply_needed", map[string]any{"email_id": id},
			"reply_needed:user@corp.example:"+id, nil)
		require.NoError(t, err)
		assert.True(t, emitted)
	}
	assert.Len(t, listFiles(t, dir), 2)
}

func TestEmptyDedupeKeyAlwaysEmits(t *testing.T) {
	ctx := context.Background()
	em, dir := newEmitter(t)

	for i := 0; i < 2; i++ {
		emitted, err := em.Write(ctx, "working_memory_nudge", map[string]any{"n": i}, "", nil)
		require.NoError(t, err)
		assert.True(t, emitted)
	}
	assert.Len(t, listFiles(t, dir), 2)
}

func TestRoutingSerialized(t *testing.T) {
	ctx := context.Background()
	em, dir := newEmitter(t)

	_, err := em.Write(ctx, "alert_rule_triggered", map[string]any{"rule_id": "r-1"},
		"alert:r-1:email_received:msg-3", &Routing{Channel: "slack", Target: "#ops"})
	require.NoError(t, err)

	files := listFiles(t, dir)
	require.Len(t, files, 1)
	data, err := os.ReadFile(filepath.Join(dir, files[0]))
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	require.NotNil(t, ev.Routing)
	assert.Equal(t, "slack", ev.Routing.Channel)
	assert.Equal(t, "#ops", ev.Routing.Target)
}

func TestStreamMirrorsTrigger(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	em, _ := newEmitter(t)
	em.WithStream(client, "inbox:triggers")

	_, err = em.Write(ctx, "urgent_email", map[string]any{"email_id": "msg-9"}, "", nil)
	require.NoError(t, err)

	msgs, err := client.XRange(ctx, "inbox:triggers", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	raw, ok := msgs[0].Values["trigger"].(string)
	require.True(t, ok)
	assert.Contains(t, raw, `"urgent_email"`)
	assert.Contains(t, raw, "msg-9")
}

func TestStreamFailureDoesNotBlockEmission(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close() // connection refused from here on

	em, dir := newEmitter(t)
	em.WithStream(client, "inbox:triggers")

	emitted, err := em.Write(ctx, "urgent_email", map[string]any{"email_id": "msg-10"}, "", nil)
	require.NoError(t, err)
	assert.True(t, emitted)
	assert.Len(t, listFiles(t, dir), 1)
}

func TestRecentReadsNewestFirst(t *testing.T) {
	em, dir := newEmitter(t)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	write := func(name, id string) {
		ev := Event{ID: id, User: "user@corp.example", Type: "urgent_email", CreatedAt: "2026-08-25T10:00:00Z"}
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	write("20260825T100000_urgent_email_a.json", "a")
	write("20260825T100001_urgent_email_b.json", "b")
	write("20260825T100002_urgent_email_c.json", "c")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("x"), 0o644))

	events, err := em.Recent(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "c", events[0].ID)
	assert.Equal(t, "b", events[1].ID)
}

func TestRecentMissingDirIsEmpty(t *testing.T) {
	em, _ := newEmitter(t)
	events, err := em.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, events)
}
