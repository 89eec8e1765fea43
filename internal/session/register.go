package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Tyrowin/tablechat/internal/auth"
	"github.com/Tyrowin/tablechat/internal/identity"
	"github.com/Tyrowin/tablechat/internal/presence"
	"github.com/Tyrowin/tablechat/internal/protocol"
	"github.com/Tyrowin/tablechat/internal/store"
)

const reasonReplaced = "Outra sessão do mestre foi iniciada."

// Register binds a participant or the moderator to an anonymous connection.
func (c *Controller) Register(ctx context.Context, connID string, req protocol.RegisterRequest) {
	cn := c.lookup(connID)
	if cn == nil {
		return
	}
	if err := c.begin(cn, stateRegistering); err != nil {
		c.log.Debug("register rejected", "conn_id", connID, "error", err)
		c.send(connID, protocol.RegisterError(ReasonRegisterFailed))
		return
	}

	id, err := c.authenticate(ctx, req)
	var token string
	if err == nil {
		token, err = c.tokens.Issue(ctx, id.Descriptor())
		if err != nil {
			err = transientError(err)
		}
	}
	if err != nil {
		if c.abort(cn, stateRegistering) {
			c.reply(connID, protocol.TypeRegister, err)
		}
		return
	}

	bound, err := c.activate(ctx, cn, stateRegistering, id, token)
	if err != nil {
		if c.abort(cn, stateRegistering) {
			c.reply(connID, protocol.TypeRegister, transientError(err))
		}
		return
	}
	if bound {
		c.log.Info("session registered", "conn_id", connID, "identity_id", id.ID, "role", id.Role)
	}
}

// Resume rebinds the identity behind a token to an anonymous connection. Any
// failure sends resumeFailed and leaves the connection anonymous.
func (c *Controller) Resume(ctx context.Context, connID string, req protocol.ResumeRequest) {
	cn := c.lookup(connID)
	if cn == nil {
		return
	}
	if err := c.begin(cn, stateResuming); err != nil {
		c.log.Debug("resume ignored", "conn_id", connID, "error", err)
		return
	}

	id, err := c.restore(ctx, req.Token)
	if err != nil {
		if c.abort(cn, stateResuming) {
			c.reply(connID, protocol.TypeResume, err)
		}
		return
	}

	bound, err := c.activate(ctx, cn, stateResuming, id, req.Token)
	if err != nil {
		if c.abort(cn, stateResuming) {
			c.reply(connID, protocol.TypeResume, transientError(err))
		}
		return
	}
	if bound {
		c.log.Info("session resumed", "conn_id", connID, "identity_id", id.ID, "role", id.Role)
	}
}

// begin moves an anonymous connection into a binding state.
func (c *Controller) begin(cn *conn, next connState) error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.state != stateAnonymous {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, cn.state)
	}
	cn.state = next
	return nil
}

// abort returns a failed binding to anonymous. It reports false when the
// connection closed meanwhile and nothing should be sent.
func (c *Controller) abort(cn *conn, from connState) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.state != from {
		return false
	}
	cn.state = stateAnonymous
	return true
}

// activate makes the binding visible. A participant joins with the mute flag
// persisted last. An exclusive moderator binds and evicts the older sessions
// under moderatorMu, so of two simultaneous logins the later bind stays.
func (c *Controller) activate(ctx context.Context, cn *conn, from connState, id identity.Identity, token string) (bool, error) {
	switch {
	case id.Role == identity.Participant:
		var bound bool
		err := c.moderation.WithParticipant(ctx, id.ID, func(muted bool) {
			id.Muted = muted
			bound = c.bind(cn, from, id, token)
		})
		return bound, err
	case id.Role == identity.Moderator && c.cfg.ExclusiveModerator:
		c.moderatorMu.Lock()
		defer c.moderatorMu.Unlock()
		bound := c.bind(cn, from, id, token)
		if bound {
			c.evictOtherModerators(ctx, cn.id, id)
		}
		return bound, nil
	default:
		return c.bind(cn, from, id, token), nil
	}
}

// bind completes a binding started in from. The result is dropped when the
// connection left that state, typically because it closed.
func (c *Controller) bind(cn *conn, from connState, id identity.Identity, token string) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.state != from {
		c.log.Debug("binding discarded", "conn_id", cn.id, "state", cn.state)
		return false
	}
	cn.state = stateActive
	cn.identity = id
	cn.token = token

	c.roster.Join(cn.id, presence.EntryFor(cn.id, id))
	c.send(cn.id, protocol.Registered(id))
	c.send(cn.id, protocol.AuthToken(token))
	return true
}

func (c *Controller) authenticate(ctx context.Context, req protocol.RegisterRequest) (identity.Identity, error) {
	role, err := identity.ParseRole(req.Role)
	if err != nil {
		return identity.Identity{}, validationError(ReasonRegisterFailed, err)
	}
	switch role {
	case identity.Moderator:
		return c.authenticateModerator(req)
	case identity.Participant:
		return c.authenticateParticipant(ctx, req)
	default:
		return identity.Identity{}, validationError(ReasonRegisterFailed, identity.ErrUnknownRole)
	}
}

func (c *Controller) authenticateModerator(req protocol.RegisterRequest) (identity.Identity, error) {
	secret := []byte(c.cfg.AdminSecret)
	if len(secret) == 0 || subtle.ConstantTimeCompare(secret, []byte(req.Password)) != 1 {
		return identity.Identity{}, authError(ReasonBadAdminSecret, ErrBadAdminSecret)
	}
	return identity.Identity{
		Name:   c.cfg.ModeratorName,
		Role:   identity.Moderator,
		Avatar: strings.TrimSpace(req.Avatar),
	}, nil
}

func (c *Controller) authenticateParticipant(ctx context.Context, req protocol.RegisterRequest) (identity.Identity, error) {
	input := auth.RegisterRequest{Name: req.Name, Avatar: req.Avatar, Password: req.Password}.Normalize()
	if err := auth.ValidateRegister(input); err != nil {
		var verr *auth.ValidationError
		if errors.As(err, &verr) {
			return identity.Identity{}, validationError(verr.Reason, err)
		}
		return identity.Identity{}, transientError(err)
	}

	cred, err := c.creds.FindByName(ctx, input.Name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		cred, err = c.createParticipant(ctx, input)
		if errors.Is(err, store.ErrAlreadyExists) {
			// Lost a race with another registration of the same name.
			cred, err = c.creds.FindByName(ctx, input.Name)
			if err != nil {
				return identity.Identity{}, transientError(err)
			}
			return verifyParticipant(cred, input.Password)
		}
		if err != nil {
			return identity.Identity{}, transientError(err)
		}
		return cred.Identity(), nil
	case err != nil:
		return identity.Identity{}, transientError(err)
	default:
		return verifyParticipant(cred, input.Password)
	}
}

func (c *Controller) createParticipant(ctx context.Context, input auth.RegisterRequest) (store.Credential, error) {
	hash, err := auth.HashPassword(input.Password)
	if err != nil {
		return store.Credential{}, err
	}
	cred := store.Credential{
		ID:           uuid.NewString(),
		Name:         input.Name,
		PasswordHash: hash,
		Role:         identity.Participant,
		Avatar:       input.Avatar,
		CreatedAt:    c.now().UTC(),
	}
	if err := c.creds.Create(ctx, cred); err != nil {
		return store.Credential{}, err
	}
	return cred, nil
}

func verifyParticipant(cred store.Credential, password string) (identity.Identity, error) {
	if cred.Role != identity.Participant {
		return identity.Identity{}, authError(ReasonNameUnavailable, ErrNameUnavailable)
	}
	ok, err := auth.ComparePassword(password, cred.PasswordHash)
	if err != nil {
		return identity.Identity{}, transientError(err)
	}
	if !ok {
		return identity.Identity{}, authError(ReasonBadPassword, ErrBadPassword)
	}
	return cred.Identity(), nil
}

// restore rebuilds the identity behind token. Participants are reloaded from
// the credential store so a mute set while they were away applies.
func (c *Controller) restore(ctx context.Context, token string) (identity.Identity, error) {
	desc, err := c.tokens.Resolve(ctx, token)
	if err != nil {
		return identity.Identity{}, err
	}
	switch desc.Role {
	case identity.Participant:
		cred, err := c.creds.FindByID(ctx, desc.IdentityID)
		if err != nil {
			return identity.Identity{}, err
		}
		return cred.Identity(), nil
	case identity.Moderator:
		name := desc.Name
		if name == "" {
			name = c.cfg.ModeratorName
		}
		return identity.Identity{Name: name, Role: identity.Moderator, Avatar: desc.Avatar}, nil
	default:
		return identity.Identity{}, fmt.Errorf("%w: token role", identity.ErrUnknownRole)
	}
}

// evictOtherModerators closes every moderator session but connID. Callers
// hold moderatorMu.
func (c *Controller) evictOtherModerators(ctx context.Context, connID string, id identity.Identity) {
	for _, other := range c.roster.Connections(id.Key()) {
		if other == connID {
			continue
		}
		c.log.Info("moderator session replaced", "conn_id", other, "by", connID)
		c.send(other, protocol.Kicked(reasonReplaced))
		c.Disconnect(ctx, other)
		c.transport.Disconnect(other)
	}
}
