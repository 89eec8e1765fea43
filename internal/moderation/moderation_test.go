package moderation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/tablechat/internal/identity"
	"github.com/Tyrowin/tablechat/internal/presence"
	"github.com/Tyrowin/tablechat/internal/store"
	"github.com/Tyrowin/tablechat/internal/store/mocks"
)

type notification struct {
	global  bool
	conns   []string
	muted   bool
	isUsers bool
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *fakeNotifier) GlobalMuteChanged(muted bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{global: true, muted: muted})
}

func (n *fakeNotifier) UserMuteChanged(connIDs []string, muted bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{conns: connIDs, muted: muted, isUsers: true})
}

var (
	moderator = identity.Identity{Name: "Mestre", Role: identity.Moderator}
	ana       = identity.Identity{ID: "u-ana", Name: "Ana", Role: identity.Participant}
	bob       = identity.Identity{ID: "u-bob", Name: "Bob", Role: identity.Participant}
)

func TestSetGlobalMute(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	creds := mocks.NewMockCredentialStore(ctrl)
	creds.EXPECT().FindByID(gomock.Any(), ana.ID).Return(store.Credential{ID: ana.ID}, nil).Times(1)

	notifier := &fakeNotifier{}
	state := New(creds, presence.NewRoster(nil), notifier)

	req.ErrorIs(state.SetGlobalMute(ana, true), ErrPermission)
	req.False(state.GlobalMuted())
	req.Empty(notifier.sent)

	req.NoError(state.SetGlobalMute(moderator, true))
	req.True(state.GlobalMuted())
	req.Equal([]notification{{global: true, muted: true}}, notifier.sent)

	req.ErrorIs(state.CheckSend(ctx, ana), ErrGlobalMuted)
	req.NoError(state.CheckSend(ctx, moderator))

	req.NoError(state.SetGlobalMute(moderator, false))
	req.NoError(state.CheckSend(ctx, ana))
}

func TestSetUserMute(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	creds := mocks.NewMockCredentialStore(ctrl)

	roster := presence.NewRoster(nil)
	roster.Join("c-ana", presence.EntryFor("c-ana", ana))
	roster.Join("c-bob", presence.EntryFor("c-bob", bob))
	notifier := &fakeNotifier{}
	state := New(creds, roster, notifier)

	gomock.InOrder(
		creds.EXPECT().SetMuted(gomock.Any(), bob.ID, true).Return(nil),
		creds.EXPECT().FindByID(gomock.Any(), bob.ID).Return(store.Credential{ID: bob.ID, Muted: true}, nil),
		creds.EXPECT().FindByID(gomock.Any(), ana.ID).Return(store.Credential{ID: ana.ID}, nil),
	)

	req.NoError(state.SetUserMute(ctx, moderator, bob.ID, true))
	req.Equal([]notification{{conns: []string{"c-bob"}, muted: true, isUsers: true}}, notifier.sent)

	entry, ok := roster.Get("c-bob")
	req.True(ok)
	req.True(entry.Muted)

	req.ErrorIs(state.CheckSend(ctx, bob), ErrUserMuted)
	req.NoError(state.CheckSend(ctx, ana))
}

func TestSetUserMute_RequiresModerator(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	creds := mocks.NewMockCredentialStore(ctrl)
	notifier := &fakeNotifier{}
	state := New(creds, presence.NewRoster(nil), notifier)

	req.ErrorIs(state.SetUserMute(context.Background(), ana, bob.ID, true), ErrPermission)
	req.Empty(notifier.sent)
}

func TestSetUserMute_PersistFailureHasNoVisibleEffect(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	creds := mocks.NewMockCredentialStore(ctrl)
	boom := errors.New("disk full")
	creds.EXPECT().SetMuted(gomock.Any(), bob.ID, true).Return(boom)

	published := 0
	roster := presence.NewRoster(func([]presence.Entry) { published++ })
	roster.Join("c-bob", presence.EntryFor("c-bob", bob))
	published = 0

	notifier := &fakeNotifier{}
	state := New(creds, roster, notifier)

	req.ErrorIs(state.SetUserMute(context.Background(), moderator, bob.ID, true), boom)
	req.Zero(published)
	req.Empty(notifier.sent)
	entry, _ := roster.Get("c-bob")
	req.False(entry.Muted)
}

func TestSetUserMute_ConcurrentChangesMatchStore(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	db, err := store.OpenBadger("")
	req.NoError(err)
	t.Cleanup(func() { _ = db.Close() })
	creds := store.NewBadgerCredentials(db)
	req.NoError(creds.Create(ctx, store.Credential{ID: ana.ID, Name: ana.Name, Role: identity.Participant}))

	roster := presence.NewRoster(nil)
	roster.Join("c-ana", presence.EntryFor("c-ana", ana))
	state := New(creds, roster, &fakeNotifier{})

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(muted bool) {
			defer wg.Done()
			if err := state.SetUserMute(ctx, moderator, ana.ID, muted); err != nil {
				t.Error(err)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	cred, err := creds.FindByID(ctx, ana.ID)
	req.NoError(err)
	entry, ok := roster.Get("c-ana")
	req.True(ok)
	req.Equal(cred.Muted, entry.Muted)
	req.Empty(state.participants.locks)
}

func TestWithParticipant_WaitsForPendingMute(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	creds := mocks.NewMockCredentialStore(ctrl)

	persisting := make(chan struct{})
	release := make(chan struct{})
	creds.EXPECT().SetMuted(gomock.Any(), bob.ID, true).DoAndReturn(func(context.Context, string, bool) error {
		close(persisting)
		<-release
		return nil
	})
	creds.EXPECT().FindByID(gomock.Any(), bob.ID).Return(store.Credential{ID: bob.ID, Muted: true}, nil)

	state := New(creds, presence.NewRoster(nil), &fakeNotifier{})
	muteDone := make(chan error, 1)
	go func() { muteDone <- state.SetUserMute(ctx, moderator, bob.ID, true) }()
	<-persisting

	seen := make(chan bool, 1)
	go func() {
		_ = state.WithParticipant(ctx, bob.ID, func(muted bool) { seen <- muted })
	}()

	select {
	case <-seen:
		t.Fatal("WithParticipant ran while a mute was being persisted")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	req.NoError(<-muteDone)

	select {
	case muted := <-seen:
		req.True(muted)
	case <-time.After(time.Second):
		t.Fatal("WithParticipant never ran")
	}
}

func TestWithParticipant_LoadFailure(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	creds := mocks.NewMockCredentialStore(ctrl)
	creds.EXPECT().FindByID(gomock.Any(), bob.ID).Return(store.Credential{}, store.ErrNotFound)

	state := New(creds, presence.NewRoster(nil), &fakeNotifier{})
	called := false
	err := state.WithParticipant(context.Background(), bob.ID, func(bool) { called = true })
	req.ErrorIs(err, store.ErrNotFound)
	req.False(called)
}

func TestCheckSend_ReadsStoreNotRoster(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	creds := mocks.NewMockCredentialStore(ctrl)
	creds.EXPECT().FindByID(gomock.Any(), ana.ID).Return(store.Credential{ID: ana.ID, Muted: true}, nil)

	roster := presence.NewRoster(nil)
	roster.Join("c-ana", presence.EntryFor("c-ana", ana))
	state := New(creds, roster, &fakeNotifier{})

	req.ErrorIs(state.CheckSend(context.Background(), ana), ErrUserMuted)
}

func TestCheckSend_StoreFailure(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	creds := mocks.NewMockCredentialStore(ctrl)
	creds.EXPECT().FindByID(gomock.Any(), ana.ID).Return(store.Credential{}, store.ErrNotFound)

	state := New(creds, presence.NewRoster(nil), &fakeNotifier{})
	err := state.CheckSend(context.Background(), ana)
	req.ErrorIs(err, store.ErrNotFound)
	_, ok := Reason(err)
	req.False(ok)
}

func TestReason(t *testing.T) {
	req := require.New(t)
	reason, ok := Reason(ErrGlobalMuted)
	req.True(ok)
	req.Equal(ReasonGlobalMuted, reason)

	reason, ok = Reason(ErrUserMuted)
	req.True(ok)
	req.Equal(ReasonUserMuted, reason)

	state := New(nil, presence.NewRoster(nil), &fakeNotifier{})
	req.ErrorIs(state.CheckSend(context.Background(), identity.Identity{}), ErrPermission)
}
