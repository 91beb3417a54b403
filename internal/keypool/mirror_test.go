package keypool

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-gateway/internal/partition"
)

func newTestMirror(t *testing.T) *RedisMirror {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisMirror(context.Background(), rdb, nil)
}

func TestRedisMirrorPushPull(t *testing.T) {
	m := newTestMirror(t)
	until := time.Now().Add(30 * time.Second)

	m.Push("hash-a", partition.Turbo, until)

	got, ok := m.Pull("hash-a", partition.Turbo)
	if !ok {
		t.Fatal("Pull reported no mirrored lockout after Push")
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("Pull = %v, want %v", got, until)
	}
}

func TestRedisMirrorPullMissReturnsFalse(t *testing.T) {
	m := newTestMirror(t)
	if _, ok := m.Pull("never-pushed", partition.Turbo); ok {
		t.Fatal("Pull reported a hit for a key that was never pushed")
	}
}

func TestRedisMirrorPastDeadlineNotPushed(t *testing.T) {
	m := newTestMirror(t)
	m.Push("hash-b", partition.Turbo, time.Now().Add(-time.Second))

	if _, ok := m.Pull("hash-b", partition.Turbo); ok {
		t.Fatal("Pull reported a hit for a deadline already in the past")
	}
}

func TestNilMirrorIsSafe(t *testing.T) {
	var m *RedisMirror
	m.Push("hash", partition.Turbo, time.Now().Add(time.Minute))
	if _, ok := m.Pull("hash", partition.Turbo); ok {
		t.Fatal("nil mirror should never report a hit")
	}
}

func TestPoolReconcileMirrorAdoptsLaterDeadline(t *testing.T) {
	m := newTestMirror(t)
	a := NewRecord("openai", "sk-a", "", "")
	p := New([]*Record{a}, WithMirror(m))

	remote := time.Now().Add(2 * time.Minute)
	m.Push(secretHash(a.Secret), partition.Turbo, remote)

	p.ReconcileMirror()

	got := p.LockoutPeriod(partition.Turbo)
	if got < time.Minute {
		t.Fatalf("LockoutPeriod = %v, want close to 2m after reconciling mirror", got)
	}
}
