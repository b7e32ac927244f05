package groundedsync

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Message types on the server wire protocol.
const (
	MsgHello          = "hello"
	MsgPresenceUpdate = "presence:update"
	MsgCursorUpdate   = "cursor:update"
	MsgCursorClear    = "cursor:clear"
	MsgProjectUpdate  = "project:update"
	MsgCRDTUpdate     = "yjs:update"
	MsgCRDTSync       = "yjs:sync"
	MsgPing           = "ping"
)

// Additional message types on the local fallback bus.
const (
	MsgCRDTHello       = "yjs:hello"
	MsgPresenceHello   = "presence:hello"
	MsgPresenceRename  = "presence:rename"
	MsgPresenceGoodbye = "presence:goodbye"
)

// Protocol errors
var (
	ErrMalformedMessage = errors.New("malformed message")
)

// Message is the JSON envelope exchanged with the server and on the
// local bus. Only the fields relevant to a given Type are populated.
type Message struct {
	Type     string `json:"type"`
	SenderID string `json:"sender_id,omitempty"`

	// Identity fields (hello, presence:*)
	ClientID string `json:"client_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Color    string `json:"color,omitempty"`

	// Presence roster (hello, presence:update)
	Presence []RosterEntry `json:"presence,omitempty"`

	// Cursor payload (cursor:update)
	Cursor *CursorLocation `json:"cursor,omitempty"`

	// CRDT payloads, base64 (yjs:update carries one update, yjs:sync a
	// catch-up batch)
	Update  string   `json:"update,omitempty"`
	Updates []string `json:"updates,omitempty"`

	// Full project snapshot (hello, project:update)
	Project json.RawMessage `json:"project,omitempty"`
}

// RosterEntry identifies one connected collaborator.
type RosterEntry struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Color    string `json:"color"`
}

// CursorLocation is a collaborator's cursor within a document.
type CursorLocation struct {
	DocumentID string `json:"document_id"`
	Offset     int    `json:"offset"`
}

// EncodeMessage serializes a message for the wire.
func EncodeMessage(m *Message) ([]byte, error) {
	if m.Type == "" {
		return nil, ErrMalformedMessage
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a wire payload. Unknown types decode fine (the
// dispatcher ignores them); a missing type or invalid JSON is malformed.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.Type == "" {
		return nil, ErrMalformedMessage
	}
	return &m, nil
}

// EncodeUpdatePayload base64-encodes raw CRDT update bytes.
func EncodeUpdatePayload(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeUpdatePayload decodes a base64 CRDT update field.
func DecodeUpdatePayload(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad update encoding", ErrMalformedMessage)
	}
	return raw, nil
}
