// Package identity defines who can be bound to a chat connection: a registered
// participant or the moderator persona.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownRole is returned when a role string matches neither participant nor moderator.
var ErrUnknownRole = errors.New("identity: unknown role")

// Role is the closed set of behaviours a connection can have.
type Role int

const (
	// Participant is a persisted, password-protected chat member.
	Participant Role = iota + 1
	// Moderator is the privileged persona reconstructed from the shared admin secret.
	Moderator
)

// ParseRole accepts the wire names and the legacy aliases used by older clients.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "participant", "player":
		return Participant, nil
	case "moderator", "master":
		return Moderator, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

func (r Role) String() string {
	switch r {
	case Participant:
		return "participant"
	case Moderator:
		return "moderator"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	switch r {
	case Participant, Moderator:
		return []byte(r.String()), nil
	default:
		return nil, ErrUnknownRole
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Identity is a participant or the moderator as seen by a live session.
type Identity struct {
	ID     string
	Name   string
	Role   Role
	Avatar string
	Muted  bool
}

// Key returns the index key shared by every token and roster entry of this identity.
func (i Identity) Key() string {
	return Key(i.Role, i.ID)
}

// Descriptor returns what a resumption token must carry to rebuild this identity.
func (i Identity) Descriptor() Descriptor {
	switch i.Role {
	case Moderator:
		return Descriptor{Role: Moderator, Name: i.Name, Avatar: i.Avatar}
	default:
		return Descriptor{Role: Participant, IdentityID: i.ID}
	}
}

// Key builds an identity index key. All moderator sessions share one key since
// the moderator has no persisted record.
func Key(role Role, id string) string {
	switch role {
	case Moderator:
		return "moderator"
	default:
		return "participant:" + id
	}
}

// Descriptor is the identity reference stored behind a resumption token.
// Name and Avatar are only used by the moderator, participants are reloaded
// from the credential store on resume.
type Descriptor struct {
	Role       Role   `json:"type"`
	IdentityID string `json:"identityId,omitempty"`
	Name       string `json:"name,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
}

// Key returns the identity index key of the descriptor.
func (d Descriptor) Key() string {
	return Key(d.Role, d.IdentityID)
}
