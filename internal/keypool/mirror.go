package keypool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-gateway/internal/partition"
)

// RedisMirror synchronizes key lockout state across gateway replicas that
// share the same upstream credentials. Best-effort: Redis errors are
// swallowed and logged, and the Pool keeps operating on local state only —
// the same graceful-degradation policy the teacher's Redis-backed cache
// uses on connectivity loss.
type RedisMirror struct {
	rdb *redis.Client
	log *slog.Logger
	ctx context.Context
}

// NewRedisMirror wraps an existing Redis client. ctx bounds all mirror
// operations (typically the application's base context).
func NewRedisMirror(ctx context.Context, rdb *redis.Client, log *slog.Logger) *RedisMirror {
	if log == nil {
		log = slog.Default()
	}
	return &RedisMirror{rdb: rdb, log: log, ctx: ctx}
}

func mirrorKey(secretHash string, family partition.Family) string {
	return "keypool:lockout:" + secretHash + ":" + string(family)
}

// Push writes key's lockout deadline with a TTL matching the time
// remaining. A deadline already in the past is a no-op.
func (m *RedisMirror) Push(secretHash string, family partition.Family, until time.Time) {
	if m == nil || m.rdb == nil {
		return
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return
	}
	if err := m.rdb.Set(m.ctx, mirrorKey(secretHash, family), until.UnixMilli(), ttl).Err(); err != nil {
		m.log.Warn("keypool: mirror push failed", "error", err)
	}
}

// Pull returns the mirrored lockout deadline, if any and not expired.
func (m *RedisMirror) Pull(secretHash string, family partition.Family) (time.Time, bool) {
	if m == nil || m.rdb == nil {
		return time.Time{}, false
	}
	v, err := m.rdb.Get(m.ctx, mirrorKey(secretHash, family)).Int64()
	if err != nil {
		if err != redis.Nil {
			m.log.Warn("keypool: mirror pull failed", "error", err)
		}
		return time.Time{}, false
	}
	return time.UnixMilli(v), true
}

func secretHash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
