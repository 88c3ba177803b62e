package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreSetGetWithTTL(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if err := m.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := m.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("get = %q, %v; want v, nil", got, err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := m.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after TTL expiry, got %v", err)
	}
	exists, err := m.Exists(ctx, "k")
	if err != nil || exists {
		t.Fatalf("expected expired key to not exist, exists=%v err=%v", exists, err)
	}
}

func TestMemoryStoreIncr(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := m.Incr(ctx, "counter")
		if err != nil || got != want {
			t.Fatalf("incr = %d, %v; want %d, nil", got, err, want)
		}
	}
}

func TestMemoryStoreLMPopRespectsKeyOrder(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if err := m.RPush(ctx, "q:normal", "n1", "n2"); err != nil {
		t.Fatalf("rpush normal: %v", err)
	}
	if err := m.RPush(ctx, "q:low", "l1"); err != nil {
		t.Fatalf("rpush low: %v", err)
	}

	keys := []string{"q:high", "q:normal", "q:low"}

	key, values, err := m.LMPop(ctx, keys, 1)
	if err != nil {
		t.Fatalf("lmpop: %v", err)
	}
	if key != "q:normal" || len(values) != 1 || values[0] != "n1" {
		t.Fatalf("expected head of first non-empty key, got %s %v", key, values)
	}

	// Drain the rest; the low queue is only reached once normal is empty.
	if key, values, _ = m.LMPop(ctx, keys, 1); key != "q:normal" || values[0] != "n2" {
		t.Fatalf("expected n2 from q:normal, got %s %v", key, values)
	}
	if key, values, _ = m.LMPop(ctx, keys, 1); key != "q:low" || values[0] != "l1" {
		t.Fatalf("expected l1 from q:low, got %s %v", key, values)
	}
	if _, _, err := m.LMPop(ctx, keys, 1); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound with every key empty, got %v", err)
	}
}

func TestMemoryStoreListRangeAndTrimNegativeIndexes(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if err := m.RPush(ctx, "l", "a", "b", "c", "d", "e"); err != nil {
		t.Fatalf("rpush: %v", err)
	}

	got, err := m.LRange(ctx, "l", -2, -1)
	if err != nil || len(got) != 2 || got[0] != "d" || got[1] != "e" {
		t.Fatalf("lrange -2 -1 = %v, %v; want [d e]", got, err)
	}

	// Keep only the last three entries, the shape every capped ring uses.
	if err := m.LTrim(ctx, "l", -3, -1); err != nil {
		t.Fatalf("ltrim: %v", err)
	}
	got, err = m.LRange(ctx, "l", 0, -1)
	if err != nil || len(got) != 3 || got[0] != "c" {
		t.Fatalf("after trim = %v, %v; want [c d e]", got, err)
	}
}

func TestMemoryStorePubSubDeliversToSubscriber(t *testing.T) {
	m := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := m.Subscribe(ctx, "events")
	defer sub.Close()

	if err := m.Publish(ctx, "events", "hello"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Channel != "events" || msg.Payload != "hello" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pub/sub delivery")
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Publishing after Close must not deliver (and must not panic).
	if err := m.Publish(ctx, "events", "late"); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}

func TestMemoryStoreScanKeysPattern(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	for _, k := range []string{"job:1", "job:2", "node:1:heartbeat", "node:2:heartbeat"} {
		if err := m.Set(ctx, k, "x", 0); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}

	jobs, err := m.ScanKeys(ctx, "job:*")
	if err != nil || len(jobs) != 2 {
		t.Fatalf("scan job:* = %v, %v; want two keys", jobs, err)
	}
	heartbeats, err := m.ScanKeys(ctx, "node:*:heartbeat")
	if err != nil || len(heartbeats) != 2 {
		t.Fatalf("scan node:*:heartbeat = %v, %v; want two keys", heartbeats, err)
	}
}
