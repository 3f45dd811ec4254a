package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"agentdeck/internal/domain"
	"agentdeck/internal/usecase/msgstore"
)

// StreamEvent is the envelope the worker emits on its event endpoint.
type StreamEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// DecodeEvent parses one event payload.
func DecodeEvent(data []byte) (StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return StreamEvent{}, err
	}
	if ev.Type == "" {
		return StreamEvent{}, fmt.Errorf("event without type")
	}
	return ev, nil
}

type sessionInfoProps struct {
	Info struct {
		ID       string  `json:"id"`
		Title    *string `json:"title"`
		ParentID *string `json:"parentID"`
		Revert   *struct {
			MessageID string `json:"messageID"`
			PartID    string `json:"partID"`
		} `json:"revert"`
	} `json:"info"`
}

type messageInfoProps struct {
	Info struct {
		ID         string             `json:"id"`
		SessionID  string             `json:"sessionID"`
		Role       string             `json:"role"`
		ModelID    string             `json:"modelID"`
		ProviderID string             `json:"providerID"`
		Cost       float64            `json:"cost"`
		Summary    bool               `json:"summary"`
		Tokens     *domain.TokenUsage `json:"tokens"`
		Time       struct {
			Created   int64 `json:"created"`
			Completed int64 `json:"completed"`
		} `json:"time"`
		Error json.RawMessage `json:"error"`
	} `json:"info"`
}

type partProps struct {
	Part json.RawMessage `json:"part"`
}

type messageRemovedProps struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
}

type partRemovedProps struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	PartID    string `json:"partID"`
}

type permissionRemovedProps struct {
	PermissionID string `json:"permissionID"`
	SessionID    string `json:"sessionID"`
}

// ApplyEvent maps one decoded worker event onto the instance's store.
// Unknown event types and malformed properties are dropped: the stream is
// at-least-once and the store must stay consistent over complete.
func ApplyEvent(store *msgstore.Store, ev StreamEvent, logger *slog.Logger) {
	switch ev.Type {
	case "session.updated":
		var p sessionInfoProps
		if json.Unmarshal(ev.Properties, &p) != nil || p.Info.ID == "" {
			return
		}
		meta := msgstore.SessionMeta{ID: p.Info.ID, Title: p.Info.Title, ParentID: p.Info.ParentID}
		if p.Info.Revert != nil {
			meta.Revert = &domain.SessionRevertState{
				MessageID: p.Info.Revert.MessageID,
				PartID:    p.Info.Revert.PartID,
			}
		}
		store.AddOrUpdateSession(meta)

	case "message.updated":
		var p messageInfoProps
		if json.Unmarshal(ev.Properties, &p) != nil || p.Info.ID == "" || p.Info.SessionID == "" {
			return
		}
		role := domain.RoleAssistant
		if p.Info.Role == "user" {
			role = domain.RoleUser
		}
		status := domain.MessageStatusStreaming
		switch {
		case len(p.Info.Error) > 0 && string(p.Info.Error) != "null":
			status = domain.MessageStatusError
		case role == domain.RoleUser:
			status = domain.MessageStatusSent
		case p.Info.Time.Completed != 0:
			status = domain.MessageStatusComplete
		}
		updatedAt := p.Info.Time.Completed
		if updatedAt == 0 {
			updatedAt = p.Info.Time.Created
		}
		store.UpsertMessage(msgstore.MessageUpsert{
			ID:           p.Info.ID,
			SessionID:    p.Info.SessionID,
			Role:         role,
			Status:       status,
			CreatedAt:    p.Info.Time.Created,
			UpdatedAt:    updatedAt,
			BumpRevision: true,
		})
		store.SetMessageInfo(domain.MessageInfo{
			ID:         p.Info.ID,
			SessionID:  p.Info.SessionID,
			Role:       role,
			ModelID:    p.Info.ModelID,
			ProviderID: p.Info.ProviderID,
			Cost:       p.Info.Cost,
			Summary:    p.Info.Summary,
			Tokens:     p.Info.Tokens,
			Raw:        ev.Properties,
		})

	case "message.removed":
		var p messageRemovedProps
		if json.Unmarshal(ev.Properties, &p) != nil {
			return
		}
		store.RemoveMessage(p.MessageID)

	case "message.part.updated":
		var p partProps
		if json.Unmarshal(ev.Properties, &p) != nil || len(p.Part) == 0 {
			return
		}
		var ids struct {
			MessageID string `json:"messageID"`
		}
		if json.Unmarshal(p.Part, &ids) != nil || ids.MessageID == "" {
			return
		}
		var part domain.Part
		if part.UnmarshalJSON(p.Part) != nil {
			return
		}
		store.ApplyPartUpdate(ids.MessageID, part)

	case "message.part.removed":
		var p partRemovedProps
		if json.Unmarshal(ev.Properties, &p) != nil {
			return
		}
		store.RemoveMessagePart(p.MessageID, p.PartID)

	case "permission.updated":
		var ids struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(ev.Properties, &ids) != nil || ids.ID == "" {
			return
		}
		store.UpsertPermission(domain.PermissionRecord{ID: ids.ID, Payload: ev.Properties})

	case "permission.replied":
		var p permissionRemovedProps
		if json.Unmarshal(ev.Properties, &p) != nil || p.PermissionID == "" {
			return
		}
		store.RemovePermission(p.PermissionID)

	default:
		logger.Debug("ignoring unhandled stream event", "type", ev.Type)
	}
}
