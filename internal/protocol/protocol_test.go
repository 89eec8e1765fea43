package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/tablechat/internal/identity"
	"github.com/Tyrowin/tablechat/internal/presence"
	"github.com/Tyrowin/tablechat/internal/store"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    string
		wantErr bool
	}{
		{"register", `{"type":"register","data":{"role":"participant","name":"Ana"}}`, TypeRegister, false},
		{"no data", `{"type":"typing"}`, TypeTyping, false},
		{"missing type", `{"data":{}}`, "", true},
		{"not json", `hello`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			in, err := ParseInbound([]byte(tt.frame))
			if tt.wantErr {
				req.ErrorIs(err, ErrMalformed)
				return
			}
			req.NoError(err)
			req.Equal(tt.want, in.Type)
		})
	}
}

func TestInbound_Decode(t *testing.T) {
	req := require.New(t)

	in, err := ParseInbound([]byte(`{"type":"muteUser","data":{"identityId":"u1","mute":true}}`))
	req.NoError(err)
	var mute MuteUserRequest
	req.NoError(in.Decode(&mute))
	req.Equal(MuteUserRequest{IdentityID: "u1", Mute: true}, mute)

	in, err = ParseInbound([]byte(`{"type":"clearAll","data":null}`))
	req.NoError(err)
	var nothing struct{}
	req.NoError(in.Decode(&nothing))

	in, err = ParseInbound([]byte(`{"type":"setGlobalMute","data":"yes"}`))
	req.NoError(err)
	var global SetGlobalMuteRequest
	req.ErrorIs(in.Decode(&global), ErrMalformed)
}

func TestEvent_Encode(t *testing.T) {
	req := require.New(t)

	b, err := Registered(identity.Identity{ID: "u1", Name: "Ana", Role: identity.Participant, Avatar: "a1"}).Encode()
	req.NoError(err)
	req.JSONEq(`{"type":"registered","data":{"identityId":"u1","name":"Ana","role":"participant","avatar":"a1","muted":false}}`, string(b))

	b, err = Roster(nil).Encode()
	req.NoError(err)
	req.JSONEq(`{"type":"roster","data":{"entries":[]}}`, string(b))

	b, err = Roster([]presence.Entry{{ConnectionID: "c1", Name: "Mestre", Role: identity.Moderator}}).Encode()
	req.NoError(err)
	req.JSONEq(`{"type":"roster","data":{"entries":[{"connectionId":"c1","name":"Mestre","role":"moderator","avatar":"","muted":false}]}}`, string(b))

	b, err = ResumeFailed().Encode()
	req.NoError(err)
	req.JSONEq(`{"type":"resumeFailed","data":{}}`, string(b))

	b, err = RegisterError("Senha incorreta").Encode()
	req.NoError(err)
	req.JSONEq(`{"type":"registerError","data":{"reason":"Senha incorreta"}}`, string(b))

	sent := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b, err = History([]store.Message{{ID: "m1", Name: "Ana", Role: identity.Participant, Text: "oi", SentAt: sent}}).Encode()
	req.NoError(err)
	req.JSONEq(`{"type":"history","data":{"messages":[{"id":"m1","name":"Ana","role":"participant","text":"oi","sentAt":"2024-05-01T12:00:00Z"}]}}`, string(b))
}
