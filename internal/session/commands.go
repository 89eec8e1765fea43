package session

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/Tyrowin/tablechat/internal/identity"
	"github.com/Tyrowin/tablechat/internal/moderation"
	"github.com/Tyrowin/tablechat/internal/presence"
	"github.com/Tyrowin/tablechat/internal/protocol"
	"github.com/Tyrowin/tablechat/internal/store"
	"github.com/Tyrowin/tablechat/internal/tokens"
)

// SendMessage persists and broadcasts a chat line from an active connection.
func (c *Controller) SendMessage(ctx context.Context, connID string, req protocol.MessageRequest) {
	sender, err := c.active(connID)
	if err != nil {
		c.reply(connID, protocol.TypeMessage, err)
		return
	}
	text := truncate(strings.TrimSpace(req.Text), c.cfg.MaxTextLength)
	if text == "" {
		return
	}

	if err := c.moderation.CheckSend(ctx, sender); err != nil {
		if reason, ok := moderation.Reason(err); ok {
			c.send(connID, protocol.MutedWarning(reason))
			return
		}
		c.reply(connID, protocol.TypeMessage, err)
		return
	}

	msg := store.Message{
		ID:       uuid.NewString(),
		AuthorID: sender.ID,
		Name:     sender.Name,
		Avatar:   sender.Avatar,
		Role:     sender.Role,
		Text:     text,
		SentAt:   c.now().UTC(),
	}
	if err := c.messages.Append(ctx, msg); err != nil {
		c.reply(connID, protocol.TypeMessage, transientError(err))
		return
	}
	c.transport.Broadcast(protocol.Message(msg))

	if c.typing.Clear(sender.Name) {
		c.transport.Broadcast(protocol.UserStopTyping(sender.Name))
	}
}

// Typing marks the sender as typing. Only the first signal of a burst is
// broadcast; refreshes just push the deadline.
func (c *Controller) Typing(_ context.Context, connID string) {
	sender, err := c.active(connID)
	if err != nil {
		return
	}
	if _, changed := c.typing.Mark(sender.Name); changed {
		c.transport.BroadcastFrom(connID, protocol.UserTyping(sender.Name))
	}
}

// StopTyping clears the sender's typing signal.
func (c *Controller) StopTyping(_ context.Context, connID string) {
	sender, err := c.active(connID)
	if err != nil {
		return
	}
	if c.typing.Clear(sender.Name) {
		c.transport.BroadcastFrom(connID, protocol.UserStopTyping(sender.Name))
	}
}

// DeleteMessage removes one message. Moderator only.
func (c *Controller) DeleteMessage(ctx context.Context, connID string, req protocol.DeleteMessageRequest) {
	if _, err := c.moderator(connID); err != nil {
		c.reply(connID, protocol.TypeDeleteMessage, err)
		return
	}
	if req.ID == "" {
		return
	}
	err := c.messages.Delete(ctx, req.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.log.Debug("message already gone", "conn_id", connID, "message_id", req.ID)
		return
	case err != nil:
		c.reply(connID, protocol.TypeDeleteMessage, transientError(err))
		return
	}
	c.transport.Broadcast(protocol.MessageDeleted(req.ID))
}

// ClearAll wipes the message history. Moderator only.
func (c *Controller) ClearAll(ctx context.Context, connID string) {
	if _, err := c.moderator(connID); err != nil {
		c.reply(connID, protocol.TypeClearAll, err)
		return
	}
	if err := c.messages.DeleteAll(ctx); err != nil {
		c.reply(connID, protocol.TypeClearAll, transientError(err))
		return
	}
	c.log.Info("history cleared", "conn_id", connID)
	c.transport.Broadcast(protocol.Cleared())
}

// MuteUser sets or lifts the mute of one participant.
func (c *Controller) MuteUser(ctx context.Context, connID string, req protocol.MuteUserRequest) {
	actor, err := c.active(connID)
	if err == nil && req.IdentityID == "" {
		return
	}
	if err == nil {
		err = c.moderation.SetUserMute(ctx, actor, req.IdentityID, req.Mute)
	}
	switch {
	case err == nil:
		c.log.Info("participant mute changed", "conn_id", connID, "identity_id", req.IdentityID, "muted", req.Mute)
	case errors.Is(err, store.ErrNotFound):
		c.log.Debug("mute of unknown participant", "conn_id", connID, "identity_id", req.IdentityID)
	case errors.Is(err, moderation.ErrPermission), errors.Is(err, ErrNotActive):
		c.reply(connID, protocol.TypeMuteUser, err)
	default:
		c.reply(connID, protocol.TypeMuteUser, transientError(err))
	}
}

// SetGlobalMute sets the chat-wide mute flag.
func (c *Controller) SetGlobalMute(_ context.Context, connID string, req protocol.SetGlobalMuteRequest) {
	actor, err := c.active(connID)
	if err == nil {
		err = c.moderation.SetGlobalMute(actor, req.Value)
	}
	if err != nil {
		c.reply(connID, protocol.TypeSetGlobalMute, err)
		return
	}
	c.log.Info("global mute changed", "conn_id", connID, "muted", req.Value)
}

// SetName renames the moderator on every live session and token.
func (c *Controller) SetName(ctx context.Context, connID string, req protocol.SetNameRequest) {
	if _, err := c.moderator(connID); err != nil {
		c.reply(connID, protocol.TypeSetName, err)
		return
	}
	name := truncate(strings.TrimSpace(req.Name), c.cfg.MaxNameLength)
	if name == "" {
		name = c.cfg.ModeratorName
	}
	if err := c.updateModerator(ctx, &name, nil); err != nil {
		c.reply(connID, protocol.TypeSetName, transientError(err))
	}
}

// SetAvatar changes the moderator avatar on every live session and token.
func (c *Controller) SetAvatar(ctx context.Context, connID string, req protocol.SetAvatarRequest) {
	if _, err := c.moderator(connID); err != nil {
		c.reply(connID, protocol.TypeSetAvatar, err)
		return
	}
	avatar := strings.TrimSpace(req.Avatar)
	if avatar == "" {
		return
	}
	if err := c.updateModerator(ctx, nil, &avatar); err != nil {
		c.reply(connID, protocol.TypeSetAvatar, transientError(err))
	}
}

// updateModerator patches the tokens first so a failure leaves no visible
// change, then the live sessions and the roster. A rename re-sends registered.
func (c *Controller) updateModerator(ctx context.Context, name, avatar *string) error {
	key := identity.Key(identity.Moderator, "")
	if _, err := c.tokens.Update(ctx, key, tokens.Patch{Name: name, Avatar: avatar}); err != nil {
		return err
	}

	for _, connID := range c.roster.Connections(key) {
		cn := c.lookup(connID)
		if cn == nil {
			continue
		}
		cn.mu.Lock()
		if cn.state == stateActive && cn.identity.Role == identity.Moderator {
			if name != nil {
				cn.identity.Name = *name
			}
			if avatar != nil {
				cn.identity.Avatar = *avatar
			}
			if name != nil {
				c.send(connID, protocol.Registered(cn.identity))
			}
		}
		cn.mu.Unlock()
	}

	c.roster.Mutate(key, presence.Patch{Name: name, Avatar: avatar})
	return nil
}

// moderator returns the identity of connID when it is an active moderator.
func (c *Controller) moderator(connID string) (identity.Identity, error) {
	id, err := c.active(connID)
	if err != nil {
		return identity.Identity{}, err
	}
	switch id.Role {
	case identity.Moderator:
		return id, nil
	default:
		return identity.Identity{}, moderation.ErrPermission
	}
}

// truncate cuts s to at most limit runes.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
