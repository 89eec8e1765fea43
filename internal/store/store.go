//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks

// Package store holds the durable collaborators of the chat engine: the
// credential store and the append-only message log.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Tyrowin/tablechat/internal/identity"
)

var (
	// ErrNotFound is returned when a credential or message does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyExists is returned when creating a credential whose name is taken.
	ErrAlreadyExists = errors.New("store: already exists")
)

// Credential is a persisted participant record.
type Credential struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	PasswordHash string        `json:"passwordHash"`
	Role         identity.Role `json:"role"`
	Avatar       string        `json:"avatar"`
	Muted        bool          `json:"muted"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Identity projects the credential into a live identity.
func (c Credential) Identity() identity.Identity {
	return identity.Identity{
		ID:     c.ID,
		Name:   c.Name,
		Role:   c.Role,
		Avatar: c.Avatar,
		Muted:  c.Muted,
	}
}

// CredentialStore looks up, creates and updates participant credentials.
type CredentialStore interface {
	FindByName(ctx context.Context, name string) (Credential, error)
	FindByID(ctx context.Context, id string) (Credential, error)
	Create(ctx context.Context, cred Credential) error
	SetMuted(ctx context.Context, id string, muted bool) error
}

// Message is one chat line as persisted and broadcast.
type Message struct {
	ID       string        `json:"id"`
	AuthorID string        `json:"authorId,omitempty"`
	Name     string        `json:"name"`
	Avatar   string        `json:"avatar,omitempty"`
	Role     identity.Role `json:"role"`
	Text     string        `json:"text"`
	SentAt   time.Time     `json:"sentAt"`
}

// MessageStore is an append-only, timestamp-ordered message log.
type MessageStore interface {
	Append(ctx context.Context, msg Message) error
	// Latest returns up to limit messages, oldest first.
	Latest(ctx context.Context, limit int) ([]Message, error)
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
}
