// Package presence tracks who is connected and who is typing.
package presence

import (
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/Tyrowin/tablechat/internal/identity"
)

// Entry is one live connection as shown in the roster.
type Entry struct {
	ConnectionID string        `json:"connectionId"`
	IdentityID   string        `json:"identityId,omitempty"`
	Name         string        `json:"name"`
	Role         identity.Role `json:"role"`
	Avatar       string        `json:"avatar"`
	Muted        bool          `json:"muted"`
}

// EntryFor builds the roster entry of an identity bound to connID.
func EntryFor(connID string, id identity.Identity) Entry {
	return Entry{
		ConnectionID: connID,
		IdentityID:   id.ID,
		Name:         id.Name,
		Role:         id.Role,
		Avatar:       id.Avatar,
		Muted:        id.Muted,
	}
}

// Key returns the identity index key of the entry.
func (e Entry) Key() string {
	return identity.Key(e.Role, e.IdentityID)
}

// Patch changes the display attributes of entries. Nil fields are kept.
type Patch struct {
	Name   *string
	Avatar *string
	Muted  *bool
}

func (p Patch) apply(e *Entry) {
	if p.Name != nil {
		e.Name = *p.Name
	}
	if p.Avatar != nil {
		e.Avatar = *p.Avatar
	}
	if p.Muted != nil {
		e.Muted = *p.Muted
	}
}

// PublishFunc receives the full roster after every visible change. It is
// called with the roster lock held and must not call back into the Roster.
type PublishFunc func(entries []Entry)

type slot struct {
	entry Entry
	seq   uint64
}

// Roster is the set of Active connections, indexed by connection id and by
// identity key. Snapshots list entries in the order they joined.
type Roster struct {
	mu      sync.Mutex
	seq     uint64
	slots   map[string]*slot
	byKey   map[string]map[string]struct{}
	publish PublishFunc
}

// NewRoster returns an empty roster. publish may be nil.
func NewRoster(publish PublishFunc) *Roster {
	if publish == nil {
		publish = func([]Entry) {}
	}
	return &Roster{
		slots:   make(map[string]*slot),
		byKey:   make(map[string]map[string]struct{}),
		publish: publish,
	}
}

// Join inserts or replaces the entry of connID and publishes. A replaced
// entry keeps its position.
func (r *Roster) Join(connID string, e Entry) {
	e.ConnectionID = connID

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.slots[connID]; ok {
		r.unindex(s.entry)
		s.entry = e
	} else {
		r.seq++
		r.slots[connID] = &slot{entry: e, seq: r.seq}
	}
	r.index(e)
	r.publish(r.snapshotLocked())
}

// Leave removes connID and publishes. It reports false, without publishing,
// when connID was not in the roster.
func (r *Roster) Leave(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[connID]
	if !ok {
		return false
	}
	delete(r.slots, connID)
	r.unindex(s.entry)
	r.publish(r.snapshotLocked())
	return true
}

// Mutate applies patch to every entry of the identity key and publishes once.
// It returns the number of entries changed.
func (r *Roster) Mutate(key string, patch Patch) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.byKey[key]
	if len(conns) == 0 {
		return 0
	}
	for connID := range conns {
		patch.apply(&r.slots[connID].entry)
	}
	r.publish(r.snapshotLocked())
	return len(conns)
}

// Snapshot returns a copy of the roster in join order.
func (r *Roster) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Connections returns the connection ids bound to the identity key, in join order.
func (r *Roster) Connections(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	slots := lo.FilterMap(lo.Keys(r.byKey[key]), func(connID string, _ int) (*slot, bool) {
		s, ok := r.slots[connID]
		return s, ok
	})
	slices.SortFunc(slots, bySeq)
	return lo.Map(slots, func(s *slot, _ int) string { return s.entry.ConnectionID })
}

// Get returns the entry of connID.
func (r *Roster) Get(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[connID]
	if !ok {
		return Entry{}, false
	}
	return s.entry, true
}

// Len returns the number of entries.
func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

func (r *Roster) snapshotLocked() []Entry {
	slots := lo.Values(r.slots)
	slices.SortFunc(slots, bySeq)
	return lo.Map(slots, func(s *slot, _ int) Entry { return s.entry })
}

func (r *Roster) index(e Entry) {
	key := e.Key()
	if r.byKey[key] == nil {
		r.byKey[key] = make(map[string]struct{})
	}
	r.byKey[key][e.ConnectionID] = struct{}{}
}

func (r *Roster) unindex(e Entry) {
	key := e.Key()
	delete(r.byKey[key], e.ConnectionID)
	if len(r.byKey[key]) == 0 {
		delete(r.byKey, key)
	}
}

func bySeq(a, b *slot) int {
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	default:
		return 0
	}
}
