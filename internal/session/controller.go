// Package session drives each chat connection from anonymous to active and
// coordinates tokens, presence and moderation on its behalf.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/tablechat/internal/identity"
	"github.com/Tyrowin/tablechat/internal/moderation"
	"github.com/Tyrowin/tablechat/internal/presence"
	"github.com/Tyrowin/tablechat/internal/protocol"
	"github.com/Tyrowin/tablechat/internal/store"
	"github.com/Tyrowin/tablechat/internal/tokens"
)

// Transport delivers events to connections. Implementations must not block:
// the controller calls them while holding its own locks.
type Transport interface {
	Send(connID string, ev protocol.Event) error
	Broadcast(ev protocol.Event)
	// BroadcastFrom delivers to every connection except senderConnID.
	BroadcastFrom(senderConnID string, ev protocol.Event)
	// Disconnect closes connID after flushing what was already queued.
	Disconnect(connID string)
}

// Config tunes the controller.
type Config struct {
	AdminSecret         string
	ExclusiveModerator  bool
	ModeratorName       string
	MaxNameLength       int
	MaxTextLength       int
	HistoryLimit        int
	TypingTTL           time.Duration
	TypingSweepInterval time.Duration
	TokenSweepInterval  time.Duration
}

// DefaultConfig returns the limits used by the deployed chat.
func DefaultConfig() Config {
	return Config{
		ModeratorName:       "Mestre",
		MaxNameLength:       20,
		MaxTextLength:       500,
		HistoryLimit:        500,
		TypingTTL:           presence.DefaultTypingTTL,
		TypingSweepInterval: 500 * time.Millisecond,
		TokenSweepInterval:  time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ModeratorName == "" {
		c.ModeratorName = def.ModeratorName
	}
	if c.MaxNameLength <= 0 {
		c.MaxNameLength = def.MaxNameLength
	}
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = def.MaxTextLength
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = def.TypingTTL
	}
	if c.TypingSweepInterval <= 0 {
		c.TypingSweepInterval = def.TypingSweepInterval
	}
	if c.TokenSweepInterval <= 0 {
		c.TokenSweepInterval = def.TokenSweepInterval
	}
	return c
}

type connState int

const (
	stateAnonymous connState = iota
	stateRegistering
	stateResuming
	stateActive
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAnonymous:
		return "anonymous"
	case stateRegistering:
		return "registering"
	case stateResuming:
		return "resuming"
	case stateActive:
		return "active"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// conn is the per-connection session. mu is always taken before the roster
// lock, and never together with another conn's mu. A participant's
// moderation lock, when needed, is taken before mu.
type conn struct {
	id string

	mu       sync.Mutex
	state    connState
	identity identity.Identity
	token    string
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now for message timestamps and typing deadlines.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller owns the live sessions of one chat.
type Controller struct {
	cfg       Config
	creds     store.CredentialStore
	messages  store.MessageStore
	tokens    *tokens.Registry
	transport Transport
	log       *slog.Logger
	now       func() time.Time

	roster     *presence.Roster
	typing     *presence.Typing
	moderation *moderation.State

	// moderatorMu orders exclusive moderator binds. Taken before any conn mu.
	moderatorMu sync.Mutex

	mu    sync.RWMutex
	conns map[string]*conn
}

// NewController wires the roster, typing aggregator and moderation state
// around the given collaborators.
func NewController(
	cfg Config,
	creds store.CredentialStore,
	messages store.MessageStore,
	registry *tokens.Registry,
	transport Transport,
	log *slog.Logger,
	opts ...Option,
) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		cfg:       cfg.withDefaults(),
		creds:     creds,
		messages:  messages,
		tokens:    registry,
		transport: transport,
		log:       log,
		now:       time.Now,
		conns:     make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.roster = presence.NewRoster(func(entries []presence.Entry) {
		c.transport.Broadcast(protocol.Roster(entries))
	})
	c.typing = presence.NewTyping(c.cfg.TypingTTL, c.now)
	c.moderation = moderation.New(creds, c.roster, c)
	return c
}

// Roster exposes the live roster, read-only by convention.
func (c *Controller) Roster() *presence.Roster { return c.roster }

// Moderation exposes the moderation state.
func (c *Controller) Moderation() *moderation.State { return c.moderation }

// Connect registers a new anonymous connection and sends it the history and
// the current moderation state.
func (c *Controller) Connect(ctx context.Context, connID string) {
	c.mu.Lock()
	if _, ok := c.conns[connID]; ok {
		c.mu.Unlock()
		return
	}
	c.conns[connID] = &conn{id: connID, state: stateAnonymous}
	c.mu.Unlock()

	history, err := c.messages.Latest(ctx, c.cfg.HistoryLimit)
	if err != nil {
		c.log.Warn("load history failed", "conn_id", connID, "error", err)
	}
	c.send(connID, protocol.History(history))
	c.send(connID, protocol.ModerationState(c.moderation.GlobalMuted()))
}

// Disconnect closes the session of connID. Work still in flight for it is
// discarded when it completes.
func (c *Controller) Disconnect(_ context.Context, connID string) {
	c.mu.Lock()
	cn, ok := c.conns[connID]
	delete(c.conns, connID)
	c.mu.Unlock()
	if !ok {
		return
	}

	cn.mu.Lock()
	wasActive := cn.state == stateActive
	name := cn.identity.Name
	cn.state = stateClosed
	c.roster.Leave(connID)
	cn.mu.Unlock()

	if wasActive && c.typing.Clear(name) {
		c.transport.Broadcast(protocol.UserStopTyping(name))
	}
	c.log.Debug("session closed", "conn_id", connID, "was_active", wasActive)
}

// HandleEvent decodes in and runs the matching operation.
func (c *Controller) HandleEvent(ctx context.Context, connID string, in protocol.Inbound) {
	var err error
	switch in.Type {
	case protocol.TypeRegister:
		var req protocol.RegisterRequest
		if err = in.Decode(&req); err == nil {
			c.Register(ctx, connID, req)
		}
	case protocol.TypeResume:
		var req protocol.ResumeRequest
		if err = in.Decode(&req); err == nil {
			c.Resume(ctx, connID, req)
		}
	case protocol.TypeMessage:
		var req protocol.MessageRequest
		if err = in.Decode(&req); err == nil {
			c.SendMessage(ctx, connID, req)
		}
	case protocol.TypeTyping:
		c.Typing(ctx, connID)
	case protocol.TypeStopTyping:
		c.StopTyping(ctx, connID)
	case protocol.TypeDeleteMessage:
		var req protocol.DeleteMessageRequest
		if err = in.Decode(&req); err == nil {
			c.DeleteMessage(ctx, connID, req)
		}
	case protocol.TypeClearAll:
		c.ClearAll(ctx, connID)
	case protocol.TypeMuteUser:
		var req protocol.MuteUserRequest
		if err = in.Decode(&req); err == nil {
			c.MuteUser(ctx, connID, req)
		}
	case protocol.TypeSetGlobalMute:
		var req protocol.SetGlobalMuteRequest
		if err = in.Decode(&req); err == nil {
			c.SetGlobalMute(ctx, connID, req)
		}
	case protocol.TypeSetName:
		var req protocol.SetNameRequest
		if err = in.Decode(&req); err == nil {
			c.SetName(ctx, connID, req)
		}
	case protocol.TypeSetAvatar:
		var req protocol.SetAvatarRequest
		if err = in.Decode(&req); err == nil {
			c.SetAvatar(ctx, connID, req)
		}
	default:
		c.log.Debug("unknown event", "conn_id", connID, "event", in.Type)
	}
	if err != nil {
		c.log.Debug("bad payload", "conn_id", connID, "event", in.Type, "error", err)
	}
}

// Run sweeps expired typing signals and tokens until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.tokens.Run(ctx, c.cfg.TokenSweepInterval)
	}()
	go func() {
		defer wg.Done()
		c.sweepTyping(ctx)
	}()
	wg.Wait()
}

func (c *Controller) sweepTyping(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TypingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.expireTyping()
		}
	}
}

func (c *Controller) expireTyping() {
	for _, name := range c.typing.Prune() {
		c.transport.Broadcast(protocol.UserStopTyping(name))
	}
}

// GlobalMuteChanged implements moderation.Notifier.
func (c *Controller) GlobalMuteChanged(muted bool) {
	c.transport.Broadcast(protocol.ModerationState(muted))
}

// UserMuteChanged implements moderation.Notifier.
func (c *Controller) UserMuteChanged(connIDs []string, muted bool) {
	for _, connID := range connIDs {
		if cn := c.lookup(connID); cn != nil {
			cn.mu.Lock()
			if cn.state == stateActive {
				cn.identity.Muted = muted
			}
			cn.mu.Unlock()
		}
		c.send(connID, protocol.UserMuted(muted))
	}
}

func (c *Controller) lookup(connID string) *conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conns[connID]
}

// active returns the identity bound to connID, or ErrNotActive.
func (c *Controller) active(connID string) (identity.Identity, error) {
	cn := c.lookup(connID)
	if cn == nil {
		return identity.Identity{}, ErrNotActive
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.state != stateActive {
		return identity.Identity{}, ErrNotActive
	}
	return cn.identity, nil
}

func (c *Controller) send(connID string, ev protocol.Event) {
	if err := c.transport.Send(connID, ev); err != nil {
		c.log.Debug("send dropped", "conn_id", connID, "event", ev.Type, "error", err)
	}
}

// reply tells the client of connID how op failed.
func (c *Controller) reply(connID, op string, err error) {
	switch KindOf(err) {
	case KindValidation, KindAuth:
		c.log.Debug("registration refused", "conn_id", connID, "event", op, "error", err)
		c.send(connID, protocol.RegisterError(ReasonOf(err)))
	case KindNotFound:
		c.log.Debug("resume refused", "conn_id", connID, "event", op, "error", err)
		c.send(connID, protocol.ResumeFailed())
	case KindPermission:
		c.log.Debug("command ignored", "conn_id", connID, "event", op, "error", err)
	case KindTransient:
		c.log.Warn("operation failed", "conn_id", connID, "event", op, "error", err)
		switch op {
		case protocol.TypeRegister:
			c.send(connID, protocol.RegisterError(ReasonRegisterFailed))
		case protocol.TypeResume:
			c.send(connID, protocol.ResumeFailed())
		default:
			c.send(connID, protocol.Error(ReasonGeneric))
		}
	}
}
