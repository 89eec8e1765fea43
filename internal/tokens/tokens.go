// Package tokens issues and resolves opaque resumption tokens. A token maps to
// an identity descriptor for a fixed lifetime; resolving never extends it.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Tyrowin/tablechat/internal/identity"
)

// DefaultTTL is the lifetime of a token from the moment it is issued.
const DefaultTTL = 7 * 24 * time.Hour

// tokenBytes of randomness, hex encoded to 48 characters.
const tokenBytes = 24

// ErrNotFound is returned for unknown and expired tokens alike.
var ErrNotFound = errors.New("tokens: not found")

// ErrInvalidRecord is returned by Put for a record that expires before it is created.
var ErrInvalidRecord = errors.New("tokens: record expires before it is created")

// Record is a token as persisted by a Store.
type Record struct {
	Token string `json:"token"`
	identity.Descriptor
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiry"`
}

// Expired reports whether the record is no longer valid at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Lifetime is the span between creation and expiry, both on the issuer's clock.
func (r Record) Lifetime() time.Duration {
	return r.ExpiresAt.Sub(r.CreatedAt)
}

// Patch changes the mutable parts of a moderator descriptor. Nil fields are kept.
type Patch struct {
	Name   *string
	Avatar *string
}

// Apply returns d with the patch applied.
func (p Patch) Apply(d identity.Descriptor) identity.Descriptor {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.Avatar != nil {
		d.Avatar = *p.Avatar
	}
	return d
}

// Store persists token records with a secondary index by identity key.
type Store interface {
	// Put stores rec, or returns ErrInvalidRecord when its Lifetime is not positive.
	Put(ctx context.Context, rec Record) error
	// Get returns ErrNotFound when the token is unknown. Expiry is decided by the caller.
	Get(ctx context.Context, token string) (Record, error)
	// UpdateByKey patches every record indexed under key that is still valid
	// at now and returns how many were changed. Expiry times are preserved.
	UpdateByKey(ctx context.Context, key string, patch Patch, now time.Time) (int, error)
	// DeleteExpired removes every record expired at now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the token service used by the session controller.
type Registry struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

// NewRegistry returns a Registry over store. A non-positive ttl uses DefaultTTL.
func NewRegistry(store Store, ttl time.Duration, log *slog.Logger, opts ...Option) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{store: store, ttl: ttl, now: time.Now, log: log}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Issue creates a fresh token bound to desc.
func (r *Registry) Issue(ctx context.Context, desc identity.Descriptor) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	now := r.now()
	rec := Record{
		Token:      token,
		Descriptor: desc,
		CreatedAt:  now,
		ExpiresAt:  now.Add(r.ttl),
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return token, nil
}

// Resolve returns the descriptor behind token, or ErrNotFound when it is
// unknown or expired. It never changes the record.
func (r *Registry) Resolve(ctx context.Context, token string) (identity.Descriptor, error) {
	if token == "" {
		return identity.Descriptor{}, ErrNotFound
	}
	rec, err := r.store.Get(ctx, token)
	if err != nil {
		return identity.Descriptor{}, err
	}
	if rec.Expired(r.now()) {
		return identity.Descriptor{}, ErrNotFound
	}
	return rec.Descriptor, nil
}

// Update patches every live token of the identity key.
func (r *Registry) Update(ctx context.Context, key string, patch Patch) (int, error) {
	n, err := r.store.UpdateByKey(ctx, key, patch, r.now())
	if err != nil {
		return n, fmt.Errorf("update tokens of %s: %w", key, err)
	}
	return n, nil
}

// Sweep deletes expired tokens.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	return r.store.DeleteExpired(ctx, r.now())
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				r.log.Warn("token sweep failed", "error", err)
				continue
			}
			if n > 0 {
				r.log.Debug("expired tokens removed", "count", n)
			}
		}
	}
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
