// Package moderation holds the chat-wide mute flag and the per-participant
// mute, and decides whether an identity may send.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Tyrowin/tablechat/internal/identity"
	"github.com/Tyrowin/tablechat/internal/presence"
	"github.com/Tyrowin/tablechat/internal/store"
)

// Reasons shown to a participant whose message was refused.
const (
	ReasonGlobalMuted = "O chat está silenciado pelo mestre."
	ReasonUserMuted   = "Você está silenciado pelo mestre."
)

var (
	// ErrPermission is returned when a non-moderator attempts a moderator action.
	ErrPermission = errors.New("moderation: permission denied")
	// ErrGlobalMuted is returned by CheckSend while the chat is muted.
	ErrGlobalMuted = errors.New("moderation: chat is muted")
	// ErrUserMuted is returned by CheckSend for a muted participant.
	ErrUserMuted = errors.New("moderation: participant is muted")
)

// Notifier delivers moderation changes to connected clients.
type Notifier interface {
	// GlobalMuteChanged is called after the chat-wide flag changes.
	GlobalMuteChanged(muted bool)
	// UserMuteChanged is called with the live connections of a participant
	// whose mute changed.
	UserMuteChanged(connIDs []string, muted bool)
}

// State is the moderation state of one chat.
type State struct {
	mu          sync.RWMutex
	globalMuted bool

	// participants serialises mute changes and session binds per identity.
	participants identityLocks

	creds    store.CredentialStore
	roster   *presence.Roster
	notifier Notifier
}

// New returns a State with the chat unmuted.
func New(creds store.CredentialStore, roster *presence.Roster, notifier Notifier) *State {
	return &State{
		participants: identityLocks{locks: make(map[string]*identityLock)},
		creds:        creds,
		roster:       roster,
		notifier:     notifier,
	}
}

// GlobalMuted reports the chat-wide flag.
func (s *State) GlobalMuted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globalMuted
}

// SetGlobalMute sets the chat-wide flag and announces it, even when unchanged.
func (s *State) SetGlobalMute(actor identity.Identity, muted bool) error {
	if err := requireModerator(actor); err != nil {
		return err
	}
	s.mu.Lock()
	s.globalMuted = muted
	s.mu.Unlock()

	s.notifier.GlobalMuteChanged(muted)
	return nil
}

// SetUserMute persists the mute of a participant, then updates the roster and
// tells that participant's connections. Nothing is visible if persisting fails.
// Changes to one participant are applied in the order they persist.
func (s *State) SetUserMute(ctx context.Context, actor identity.Identity, identityID string, muted bool) error {
	if err := requireModerator(actor); err != nil {
		return err
	}
	unlock := s.participants.lock(identityID)
	defer unlock()

	if err := s.creds.SetMuted(ctx, identityID, muted); err != nil {
		return fmt.Errorf("persist mute of %s: %w", identityID, err)
	}

	key := identity.Key(identity.Participant, identityID)
	s.roster.Mutate(key, presence.Patch{Muted: &muted})
	if conns := s.roster.Connections(key); len(conns) > 0 {
		s.notifier.UserMuteChanged(conns, muted)
	}
	return nil
}

// WithParticipant calls fn with the persisted mute of a participant while no
// SetUserMute for them is in flight. A session joining the roster inside fn
// therefore shows the last persisted value. fn must not call SetUserMute.
func (s *State) WithParticipant(ctx context.Context, identityID string, fn func(muted bool)) error {
	unlock := s.participants.lock(identityID)
	defer unlock()

	cred, err := s.creds.FindByID(ctx, identityID)
	if err != nil {
		return fmt.Errorf("load %s: %w", identityID, err)
	}
	fn(cred.Muted)
	return nil
}

// CheckSend returns nil when sender may post a message. The mute of a
// participant is read from the credential store, never from the roster.
func (s *State) CheckSend(ctx context.Context, sender identity.Identity) error {
	switch sender.Role {
	case identity.Moderator:
		return nil
	case identity.Participant:
		if s.GlobalMuted() {
			return ErrGlobalMuted
		}
		cred, err := s.creds.FindByID(ctx, sender.ID)
		if err != nil {
			return fmt.Errorf("load %s: %w", sender.ID, err)
		}
		if cred.Muted {
			return ErrUserMuted
		}
		return nil
	default:
		return ErrPermission
	}
}

// Reason maps a CheckSend refusal to the text shown to the sender.
func Reason(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrGlobalMuted):
		return ReasonGlobalMuted, true
	case errors.Is(err, ErrUserMuted):
		return ReasonUserMuted, true
	default:
		return "", false
	}
}

func requireModerator(actor identity.Identity) error {
	switch actor.Role {
	case identity.Moderator:
		return nil
	default:
		return ErrPermission
	}
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

// identityLocks hands out one mutex per identity id and forgets it once
// nobody holds or waits for it.
type identityLocks struct {
	mu    sync.Mutex
	locks map[string]*identityLock
}

func (l *identityLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	il, ok := l.locks[id]
	if !ok {
		il = &identityLock{}
		l.locks[id] = il
	}
	il.refs++
	l.mu.Unlock()

	il.mu.Lock()
	return func() {
		il.mu.Unlock()
		l.mu.Lock()
		il.refs--
		if il.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
