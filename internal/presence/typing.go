package presence

import (
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

// DefaultTypingTTL is how long a typing signal stays visible without a refresh.
const DefaultTypingTTL = 3 * time.Second

// Typing aggregates typing signals by display name. Names expire on their own
// after the TTL; Prune reports them so the caller can announce the stop.
type Typing struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	deadlines map[string]time.Time
}

// NewTyping returns an aggregator. A nil now uses time.Now.
func NewTyping(ttl time.Duration, now func() time.Time) *Typing {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Typing{ttl: ttl, now: now, deadlines: make(map[string]time.Time)}
}

// Mark records that name is typing and pushes its deadline. changed is true
// only when name was not already typing, which is when a broadcast is due.
func (t *Typing) Mark(name string) (active []string, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	deadline, ok := t.deadlines[name]
	changed = !ok || !now.Before(deadline)
	t.deadlines[name] = now.Add(t.ttl)
	return t.activeLocked(now), changed
}

// Clear removes name right away. It reports true when the name was pending,
// including an expired name Prune has not reported yet.
func (t *Typing) Clear(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.deadlines[name]; !ok {
		return false
	}
	delete(t.deadlines, name)
	return true
}

// Active returns the names currently typing, sorted. Expired names are left
// out but stay pending until Prune reports them.
func (t *Typing) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked(t.now())
}

// Prune drops expired names and returns them sorted.
func (t *Typing) Prune() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []string
	for name, deadline := range t.deadlines {
		if !now.Before(deadline) {
			expired = append(expired, name)
			delete(t.deadlines, name)
		}
	}
	slices.Sort(expired)
	return expired
}

func (t *Typing) activeLocked(now time.Time) []string {
	names := lo.Keys(lo.PickBy(t.deadlines, func(_ string, deadline time.Time) bool {
		return now.Before(deadline)
	}))
	slices.Sort(names)
	return names
}
