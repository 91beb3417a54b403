// Package keypool owns upstream provider credentials, tracks per-key usage,
// issues leases, records rate-limit lockouts, and retires disabled keys.
//
// "Lockout" is the only rate-limit signal the pool tracks — upstream limits
// are opaque, so no token-bucket accounting is attempted here. A key in
// lockout for a family simply isn't returned by Lease until the lockout
// clears.
package keypool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/partition"
)

const defaultLockout = 10 * time.Second

// Record is one upstream credential. Provider, Secret, OrgID and Region are
// immutable after construction; everything else is guarded by the owning
// Pool's mutex.
type Record struct {
	Provider string
	Secret   string
	OrgID    string // Anthropic/OpenAI organization id, optional
	Region   string // AWS region, for aws-claude keys

	enabled      bool
	disableNote  string
	lockoutUntil map[partition.Family]time.Time
	lastUsed     map[partition.Family]time.Time
	tokens       map[partition.Family]uint64
	requests     map[partition.Family]uint64
}

func newRecord(provider, secret, orgID, region string) *Record {
	return &Record{
		Provider:     provider,
		Secret:       secret,
		OrgID:        orgID,
		Region:       region,
		enabled:      true,
		lockoutUntil: make(map[partition.Family]time.Time),
		lastUsed:     make(map[partition.Family]time.Time),
		tokens:       make(map[partition.Family]uint64),
		requests:     make(map[partition.Family]uint64),
	}
}

// Enabled reports whether the key has not been permanently disabled.
func (r *Record) Enabled() bool { return r.enabled }

// Usage returns the request/token counters recorded for family.
func (r *Record) Usage(family partition.Family) (tokens, requests uint64) {
	return r.tokens[family], r.requests[family]
}

// Mirror is the optional cross-replica lockout visibility aid. A nil Mirror
// (the default) means Pool operates purely on process-local state.
type Mirror interface {
	Push(secretHash string, family partition.Family, until time.Time)
	Pull(secretHash string, family partition.Family) (time.Time, bool)
}

// Pool is the Key Pool. Safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	keys   []*Record
	mirror Mirror
	log    *slog.Logger
	onLockout func(provider string, family partition.Family)
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithMirror attaches a cross-replica lockout mirror.
func WithMirror(m Mirror) Option {
	return func(p *Pool) { p.mirror = m }
}

// WithLogger attaches a structured logger; a nil logger is replaced with
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l == nil {
			l = slog.Default()
		}
		p.log = l
	}
}

// WithLockoutHook registers a callback invoked whenever a key enters
// lockout for a family, for metrics.
func WithLockoutHook(fn func(provider string, family partition.Family)) Option {
	return func(p *Pool) { p.onLockout = fn }
}

// New builds a Pool from the given credential records.
func New(keys []*Record, opts ...Option) *Pool {
	p := &Pool{keys: keys, log: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// NewRecord constructs a Record for use with New.
func NewRecord(provider, secret, orgID, region string) *Record {
	return newRecord(provider, secret, orgID, region)
}

// Lease returns an enabled, non-locked-out key for family, selecting the
// key with the least-recent usage timestamp for that family (approximate
// round-robin with LRU tie-break). Returns nil when no usable key exists —
// this is normal back-pressure, not an error.
func (p *Pool) Lease(family partition.Family) *Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Only records of the provider that serves family are candidates.
	want := "openai"
	switch family {
	case partition.Claude:
		want = "anthropic"
	case partition.Bison:
		want = "google-palm"
	case partition.AWSClaude:
		want = "aws-claude"
	}

	now := time.Now()
	var best *Record
	var bestUsed time.Time

	for _, k := range p.keys {
		if !k.enabled || k.Provider != want {
			continue
		}
		if until, ok := k.lockoutUntil[family]; ok && until.After(now) {
			continue
		}
		used := k.lastUsed[family] // zero value sorts first, giving never-used keys priority
		if best == nil || used.Before(bestUsed) {
			best = k
			bestUsed = used
		}
	}

	if best == nil {
		return nil
	}
	best.lastUsed[family] = now
	return best
}

// LockoutPeriod is zero when at least one enabled key is not locked out for
// family; otherwise it is the minimum remaining lockout across the enabled
// keys. Keys of every provider are counted, so a zero result does not mean
// Lease will find a key of the provider that serves family. Used by the
// Dispatcher as a cheap back-off hint before attempting Lease.
func (p *Pool) LockoutPeriod(family partition.Family) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var min time.Duration = -1

	for _, k := range p.keys {
		if !k.enabled {
			continue
		}
		until, ok := k.lockoutUntil[family]
		if !ok || !until.After(now) {
			return 0
		}
		remaining := until.Sub(now)
		if min < 0 || remaining < min {
			min = remaining
		}
	}

	if min < 0 {
		// No enabled keys at all for this family.
		return time.Hour
	}
	return min
}

// MarkRateLimited sets lockout-until = now + retryAfter (or the 10s default
// when retryAfter is zero) for key and family, and best-effort mirrors it.
func (p *Pool) MarkRateLimited(key *Record, family partition.Family, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = defaultLockout
	}
	until := time.Now().Add(retryAfter)

	p.mu.Lock()
	key.lockoutUntil[family] = until
	p.mu.Unlock()

	if p.onLockout != nil {
		p.onLockout(key.Provider, family)
	}
	if p.mirror != nil {
		p.mirror.Push(secretHash(key.Secret), family, until)
	}
	p.log.Debug("key locked out", "provider", key.Provider, "family", family, "until", until)
}

// Disable permanently retires a key — used on 401/403/permanent-invalid
// signals. Irreversible.
func (p *Pool) Disable(key *Record, reason string) {
	p.mu.Lock()
	key.enabled = false
	key.disableNote = reason
	p.mu.Unlock()
	p.log.Warn("key disabled", "provider", key.Provider, "reason", reason)
}

// RecordUsage increments per-family counters after a successful call.
func (p *Pool) RecordUsage(key *Record, family partition.Family, tokens int) {
	p.mu.Lock()
	key.requests[family]++
	if tokens > 0 {
		key.tokens[family] += uint64(tokens)
	}
	key.lastUsed[family] = time.Now()
	p.mu.Unlock()
}

// ReconcileMirror pulls mirrored lockouts for every key/family pair and
// adopts whichever deadline (local or mirrored) is later. Intended to be
// run periodically by the owner (see internal/app) when a Mirror is
// configured; a no-op otherwise.
func (p *Pool) ReconcileMirror() {
	if p.mirror == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, k := range p.keys {
		hash := secretHash(k.Secret)
		for _, fam := range partition.All {
			until, ok := p.mirror.Pull(hash, fam)
			if !ok {
				continue
			}
			if cur, has := k.lockoutUntil[fam]; !has || until.After(cur) {
				k.lockoutUntil[fam] = until
			}
		}
	}
}

// Keys returns the pool's records in a stable order (used by health checks
// and tests); callers must not mutate the slice contents outside the Pool.
func (p *Pool) Keys() []*Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Record, len(p.keys))
	copy(out, p.keys)
	return out
}
