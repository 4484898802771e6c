package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Strategy selects which usable session serves the next job.
type Strategy string

const (
	RoundRobin Strategy = "round_robin"
	LeastUsed  Strategy = "least_used"
)

// ParseStrategy maps a config value onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", RoundRobin:
		return RoundRobin, nil
	case LeastUsed:
		return LeastUsed, nil
	}
	return "", fmt.Errorf("unknown selection strategy %q (must be round_robin or least_used)", s)
}

const (
	DefaultMaxSessions  = 5
	DefaultErrorCeiling = 5
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	MaxSessions int
	// ErrorCeiling is the most errors a selectable session may have. Zero
	// means DefaultErrorCeiling, a negative value disables the check.
	ErrorCeiling int
	Strategy     Strategy
	Clock        func() time.Time
}

// Pool is a bounded, ordered set of sessions with a shared round-robin
// cursor. Every read or write of membership, the cursor or the busy set
// happens under mu.
type Pool struct {
	mu           sync.Mutex
	sessions     []*Session
	busy         map[string]bool
	cursor       int
	maxSessions  int
	errorCeiling int
	strategy     Strategy
	now          func() time.Time
}

// NewPool creates an empty pool.
func NewPool(opts PoolOptions) *Pool {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.ErrorCeiling == 0 {
		opts.ErrorCeiling = DefaultErrorCeiling
	}
	if opts.Strategy == "" {
		opts.Strategy = RoundRobin
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Pool{
		busy:         make(map[string]bool),
		maxSessions:  opts.MaxSessions,
		errorCeiling: opts.ErrorCeiling,
		strategy:     opts.Strategy,
		now:          opts.Clock,
	}
}

// MaxSessions returns the pool capacity.
func (p *Pool) MaxSessions() int { return p.maxSessions }

// Strategy returns the configured selection strategy.
func (p *Pool) Strategy() Strategy { return p.strategy }

// Add inserts s. When the pool is full the oldest non-active member is
// displaced; if every member is active Add fails with ErrPoolFull.
func (p *Pool) Add(s *Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	if s.Status() == StatusActive {
		for _, other := range p.sessions {
			if other.account.ID == s.account.ID && other.IsUsable(now, -1) {
				return fmt.Errorf("%w: %s", ErrDuplicateAccount, s.account.ID)
			}
		}
	}

	if len(p.sessions) >= p.maxSessions {
		victim := -1
		for i, other := range p.sessions {
			if other.IsUsable(now, -1) {
				continue
			}
			if victim < 0 || other.createdAt.Before(p.sessions[victim].createdAt) {
				victim = i
			}
		}
		if victim < 0 {
			return ErrPoolFull
		}

		displaced := p.sessions[victim]
		p.removeAt(victim)
		log.Debug().
			Str("session_id", displaced.id).
			Str("status", string(displaced.Status())).
			Msg("Displaced inactive session to make room")
	}

	p.sessions = append(p.sessions, s)
	return nil
}

// Remove drops the session with id. It reports whether it was present.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.sessions {
		if s.id == id {
			p.removeAt(i)
			return true
		}
	}
	return false
}

func (p *Pool) removeAt(i int) {
	delete(p.busy, p.sessions[i].id)
	p.sessions = append(p.sessions[:i], p.sessions[i+1:]...)
}

// Get returns the session with id.
func (p *Pool) Get(id string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.sessions {
		if s.id == id {
			return s, true
		}
	}
	return nil, false
}

// GetByAccount returns the active session backed by accountID, if any.
func (p *Pool) GetByAccount(accountID string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, s := range p.sessions {
		if s.account.ID == accountID && s.IsUsable(now, -1) {
			return s, true
		}
	}
	return nil, false
}

// Sessions returns the members in pool order.
func (p *Pool) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// Len returns the member count.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// usableLocked lists the selectable sessions in pool order.
func (p *Pool) usableLocked(now time.Time) []*Session {
	usable := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		if s.IsUsable(now, p.errorCeiling) {
			usable = append(usable, s)
		}
	}
	return usable
}

// GetActive returns the next usable session in round-robin order and
// advances the cursor, or nil when none qualifies.
func (p *Pool) GetActive() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	usable := p.usableLocked(p.now())
	if len(usable) == 0 {
		return nil
	}

	idx := p.cursor % len(usable)
	p.cursor = (idx + 1) % len(usable)
	return usable[idx]
}

// GetLeastUsed returns the usable session with the fewest completed jobs.
func (p *Pool) GetLeastUsed() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	return leastUsed(p.usableLocked(p.now()))
}

func leastUsed(candidates []*Session) *Session {
	var best *Session
	bestCount := 0
	for _, s := range candidates {
		c := s.MessageCount()
		if best == nil || c < bestCount {
			best, bestCount = s, c
		}
	}
	return best
}

// Acquire selects a usable session that is not serving a job and marks it
// busy. It never blocks.
func (p *Pool) Acquire() (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	usable := p.usableLocked(p.now())
	if len(usable) == 0 {
		return nil, false
	}

	var chosen *Session
	if p.strategy == LeastUsed {
		free := make([]*Session, 0, len(usable))
		for _, s := range usable {
			if !p.busy[s.id] {
				free = append(free, s)
			}
		}
		chosen = leastUsed(free)
	} else {
		start := p.cursor % len(usable)
		for i := 0; i < len(usable); i++ {
			idx := (start + i) % len(usable)
			if !p.busy[usable[idx].id] {
				chosen = usable[idx]
				p.cursor = (idx + 1) % len(usable)
				break
			}
		}
	}

	if chosen == nil {
		return nil, false
	}
	p.busy[chosen.id] = true
	return chosen, true
}

// Release makes a session acquirable again.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.busy, id)
}

// ActiveCount returns the number of usable sessions.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.usableLocked(p.now()))
}

// AvailableCount returns usable sessions that are not serving a job.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, s := range p.usableLocked(p.now()) {
		if !p.busy[s.id] {
			n++
		}
	}
	return n
}

// CleanupExpired removes every session that is expired right now and
// returns how many were removed.
func (p *Pool) CleanupExpired() int {
	return len(p.cleanupExpired())
}

func (p *Pool) cleanupExpired() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	kept := p.sessions[:0]
	var removed []*Session
	for _, s := range p.sessions {
		if s.IsExpired(now) {
			removed = append(removed, s)
			delete(p.busy, s.id)
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(p.sessions); i++ {
		p.sessions[i] = nil
	}
	p.sessions = kept

	for _, s := range removed {
		if s.Status() == StatusActive {
			_ = s.MarkExpired()
		}
	}
	return removed
}

// Rebalance points the round-robin cursor at the least-used usable session
// and returns its id, or "" when there is none.
func (p *Pool) Rebalance() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	usable := p.usableLocked(p.now())
	target := leastUsed(usable)
	if target == nil {
		return ""
	}
	for i, s := range usable {
		if s == target {
			p.cursor = i
			break
		}
	}

	log.Info().
		Int("cursor", p.cursor).
		Str("session_id", target.id).
		Int("message_count", target.MessageCount()).
		Msg("Session load rebalanced")

	return target.id
}

// Counts returns the number of members per status.
func (p *Pool) Counts() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := map[string]int{
		string(StatusInactive):       0,
		string(StatusAuthenticating): 0,
		string(StatusActive):         0,
		string(StatusExpired):        0,
		string(StatusError):          0,
	}
	for _, s := range p.sessions {
		counts[string(s.Status())]++
	}
	return counts
}

// CloseAll empties the pool and returns how many sessions it held.
func (p *Pool) CloseAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.sessions)
	p.sessions = nil
	p.busy = make(map[string]bool)
	p.cursor = 0
	return n
}
