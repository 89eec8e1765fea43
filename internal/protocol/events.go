package protocol

import (
	"github.com/Tyrowin/tablechat/internal/identity"
	"github.com/Tyrowin/tablechat/internal/presence"
	"github.com/Tyrowin/tablechat/internal/store"
)

// RegisterRequest is the payload of register. Role accepts the legacy
// aliases understood by identity.ParseRole.
type RegisterRequest struct {
	Role     string `json:"role"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	Password string `json:"password"`
}

type ResumeRequest struct {
	Token string `json:"token"`
}

type MessageRequest struct {
	Text string `json:"text"`
}

type DeleteMessageRequest struct {
	ID string `json:"id"`
}

type MuteUserRequest struct {
	IdentityID string `json:"identityId"`
	Mute       bool   `json:"mute"`
}

type SetGlobalMuteRequest struct {
	Value bool `json:"value"`
}

type SetNameRequest struct {
	Name string `json:"name"`
}

type SetAvatarRequest struct {
	Avatar string `json:"avatar"`
}

// IdentityView is the identity a client sees for itself.
type IdentityView struct {
	IdentityID string        `json:"identityId,omitempty"`
	Name       string        `json:"name"`
	Role       identity.Role `json:"role"`
	Avatar     string        `json:"avatar"`
	Muted      bool          `json:"muted"`
}

type reasonPayload struct {
	Reason string `json:"reason"`
}

type empty struct{}

func Registered(id identity.Identity) Event {
	return Event{Type: TypeRegistered, Data: IdentityView{
		IdentityID: id.ID,
		Name:       id.Name,
		Role:       id.Role,
		Avatar:     id.Avatar,
		Muted:      id.Muted,
	}}
}

func RegisterError(reason string) Event {
	return Event{Type: TypeRegisterError, Data: reasonPayload{Reason: reason}}
}

func ResumeFailed() Event {
	return Event{Type: TypeResumeFailed, Data: empty{}}
}

func AuthToken(token string) Event {
	return Event{Type: TypeAuthToken, Data: struct {
		Token string `json:"token"`
	}{token}}
}

// Roster carries the whole roster; clients replace their copy on every event.
func Roster(entries []presence.Entry) Event {
	if entries == nil {
		entries = []presence.Entry{}
	}
	return Event{Type: TypeRoster, Data: struct {
		Entries []presence.Entry `json:"entries"`
	}{entries}}
}

func ModerationState(globalMuted bool) Event {
	return Event{Type: TypeModerationState, Data: struct {
		GlobalMuted bool `json:"globalMuted"`
	}{globalMuted}}
}

func MutedWarning(reason string) Event {
	return Event{Type: TypeMutedWarning, Data: reasonPayload{Reason: reason}}
}

func UserMuted(mute bool) Event {
	return Event{Type: TypeUserMuted, Data: struct {
		Mute bool `json:"mute"`
	}{mute}}
}

type namePayload struct {
	Name string `json:"name"`
}

func UserTyping(name string) Event {
	return Event{Type: TypeUserTyping, Data: namePayload{Name: name}}
}

func UserStopTyping(name string) Event {
	return Event{Type: TypeUserStopTyping, Data: namePayload{Name: name}}
}

func Message(msg store.Message) Event {
	return Event{Type: TypeMessage, Data: msg}
}

func MessageDeleted(id string) Event {
	return Event{Type: TypeMessageDeleted, Data: struct {
		ID string `json:"id"`
	}{id}}
}

func Cleared() Event {
	return Event{Type: TypeCleared, Data: empty{}}
}

// History carries the latest messages, oldest first.
func History(messages []store.Message) Event {
	if messages == nil {
		messages = []store.Message{}
	}
	return Event{Type: TypeHistory, Data: struct {
		Messages []store.Message `json:"messages"`
	}{messages}}
}

func Kicked(reason string) Event {
	return Event{Type: TypeKicked, Data: reasonPayload{Reason: reason}}
}

func Error(reason string) Event {
	return Event{Type: TypeError, Data: reasonPayload{Reason: reason}}
}
