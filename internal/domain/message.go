package domain

import (
	"bytes"
	"encoding/json"
)

// MessageRole identifies who produced a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// MessageStatus tracks a message through its delivery lifecycle.
type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusStreaming MessageStatus = "streaming"
	MessageStatusComplete  MessageStatus = "complete"
	MessageStatusError     MessageStatus = "error"
)

// Part is a sub-unit of a message (text span, tool call, reasoning block)
// that can update independently while the message is being produced. The
// full worker payload is kept verbatim in Payload; ID, Type and CallID are
// lifted out for correlation.
type Part struct {
	ID      string
	Type    string
	CallID  string
	Payload json.RawMessage
}

// partFields is the subset of a part payload the store needs to inspect.
type partFields struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	CallID string `json:"callID"`
}

// UnmarshalJSON keeps the raw payload alongside the lifted fields.
func (p *Part) UnmarshalJSON(data []byte) error {
	var f partFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	p.ID = f.ID
	p.Type = f.Type
	p.CallID = f.CallID
	p.Payload = append(p.Payload[:0], data...)
	return nil
}

// MarshalJSON emits the original worker payload.
func (p Part) MarshalJSON() ([]byte, error) {
	if len(p.Payload) == 0 {
		return []byte("null"), nil
	}
	return p.Payload, nil
}

// Equal reports whether two parts carry the same payload bytes.
func (p Part) Equal(other Part) bool {
	return bytes.Equal(p.Payload, other.Payload)
}

// PartEnvelope pairs a part payload with its version counter. Version
// starts at zero and increments each time the same part id receives a
// distinct payload; it is the cache-invalidation key for derived views.
type PartEnvelope struct {
	Data    Part `json:"data"`
	Version int  `json:"version"`
}

// MessageRecord is the normalized store representation of one message.
// PartIDs preserves insertion order; Parts holds the envelopes keyed by
// part id. Revision increments on every renderer-visible mutation.
type MessageRecord struct {
	ID          string                  `json:"id"`
	SessionID   string                  `json:"session_id"`
	Role        MessageRole             `json:"role"`
	Status      MessageStatus           `json:"status"`
	CreatedAt   int64                   `json:"created_at"`
	UpdatedAt   int64                   `json:"updated_at"`
	Revision    int                     `json:"revision"`
	PartIDs     []string                `json:"part_ids"`
	Parts       map[string]PartEnvelope `json:"parts"`
	IsEphemeral bool                    `json:"is_ephemeral"`
}

// SessionRevertState marks a message id beyond which messages should be
// treated as not yet visible. Readers truncate their view at the target;
// the store never deletes trailing messages, because a revert can itself
// be cancelled.
type SessionRevertState struct {
	MessageID string `json:"message_id"`
	PartID    string `json:"part_id,omitempty"`
}

// SessionRecord tracks a conversation thread within an instance. Revision
// is the single monotonically increasing counter a view needs to know
// "something changed, re-read".
type SessionRecord struct {
	ID         string              `json:"id"`
	Title      string              `json:"title,omitempty"`
	ParentID   string              `json:"parent_id,omitempty"`
	MessageIDs []string            `json:"message_ids"`
	Revision   int                 `json:"revision"`
	Revert     *SessionRevertState `json:"revert,omitempty"`
}

// TokenUsage mirrors the worker's token accounting for one message.
type TokenUsage struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	Reasoning int `json:"reasoning"`
	Cache     struct {
		Read  int `json:"read"`
		Write int `json:"write"`
	} `json:"cache"`
}

// MessageInfo is the worker-reported metadata sidecar for a message
// (model, cost, token usage). Raw preserves the full payload for clients
// that render fields the store does not model.
type MessageInfo struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionID"`
	Role       MessageRole     `json:"role"`
	ModelID    string          `json:"modelID,omitempty"`
	ProviderID string          `json:"providerID,omitempty"`
	Cost       float64         `json:"cost,omitempty"`
	Summary    bool            `json:"summary,omitempty"`
	Tokens     *TokenUsage     `json:"tokens,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// UsageSnapshot is the aggregated usage view for a session, derived from
// the most recent assistant message info that reported output tokens.
type UsageSnapshot struct {
	Tokens     int     `json:"tokens"`
	Cost       float64 `json:"cost"`
	ModelID    string  `json:"model_id,omitempty"`
	ProviderID string  `json:"provider_id,omitempty"`
}

// PermissionRecord correlates a pending approval request raised by the
// worker back to the message/part that triggered it. MessageID/PartID are
// lookup references, not ownership: removing the message orphans the
// permission instead of cascading.
type PermissionRecord struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	MessageID  string          `json:"message_id,omitempty"`
	PartID     string          `json:"part_id,omitempty"`
	EnqueuedAt int64           `json:"enqueued_at"`
}
