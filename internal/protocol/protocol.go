// Package protocol defines the JSON events exchanged with chat clients. Every
// frame carries an envelope {"type": name, "data": payload}.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned for frames that are not a valid envelope.
var ErrMalformed = errors.New("protocol: malformed frame")

// Inbound event names.
const (
	TypeRegister      = "register"
	TypeResume        = "resume"
	TypeMessage       = "message"
	TypeTyping        = "typing"
	TypeStopTyping    = "stopTyping"
	TypeDeleteMessage = "deleteMessage"
	TypeClearAll      = "clearAll"
	TypeMuteUser      = "muteUser"
	TypeSetGlobalMute = "setGlobalMute"
	TypeSetName       = "setName"
	TypeSetAvatar     = "setAvatar"
)

// Outbound event names. TypeMessage is shared by both directions.
const (
	TypeRegistered      = "registered"
	TypeRegisterError   = "registerError"
	TypeResumeFailed    = "resumeFailed"
	TypeAuthToken       = "authToken"
	TypeRoster          = "roster"
	TypeModerationState = "moderationState"
	TypeMutedWarning    = "mutedWarning"
	TypeUserMuted       = "userMuted"
	TypeUserTyping      = "userTyping"
	TypeUserStopTyping  = "userStopTyping"
	TypeMessageDeleted  = "messageDeleted"
	TypeCleared         = "cleared"
	TypeHistory         = "history"
	TypeKicked          = "kicked"
	TypeError           = "error"
)

// Inbound is a decoded client frame whose payload is still raw.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseInbound decodes one client frame.
func ParseInbound(frame []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return in, nil
}

// Decode unmarshals the payload into v. An absent or null payload leaves v
// at its zero value.
func (in Inbound) Decode(v any) error {
	data := bytes.TrimSpace(in.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, in.Type, err)
	}
	return nil
}

// Event is an outbound frame.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Encode renders the event as a JSON frame.
func (e Event) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type, err)
	}
	return b, nil
}
