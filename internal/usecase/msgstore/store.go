// Package msgstore maintains the per-instance projection of a worker's
// streamed conversational state: sessions, messages, parts, message-info
// sidecars and pending permissions, all stamped with revision counters so
// views can re-read only what changed.
package msgstore

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"

	"agentdeck/internal/domain"
)

// Store holds the session state for one instance. Every operation is safe
// to apply twice: the feeding stream is at-least-once and may redeliver.
// Malformed or out-of-order events are dropped rather than failing the
// stream, preserving consistency over completeness.
type Store struct {
	mu          sync.Mutex
	instanceID  string
	sessions    map[string]*domain.SessionRecord
	messages    map[string]*domain.MessageRecord
	infos       map[string]*domain.MessageInfo
	permissions map[string]*domain.PermissionRecord
	usage       map[string]domain.UsageSnapshot
	logger      *slog.Logger
}

func NewStore(instanceID string, logger *slog.Logger) *Store {
	return &Store{
		instanceID:  instanceID,
		sessions:    make(map[string]*domain.SessionRecord),
		messages:    make(map[string]*domain.MessageRecord),
		infos:       make(map[string]*domain.MessageInfo),
		permissions: make(map[string]*domain.PermissionRecord),
		usage:       make(map[string]domain.UsageSnapshot),
		logger:      logger,
	}
}

// SessionMeta carries the optional session fields of a session event.
// Nil pointers mean "not present in the event", not "clear".
type SessionMeta struct {
	ID       string
	Title    *string
	ParentID *string
	Revert   *domain.SessionRevertState
}

// AddOrUpdateSession creates the session if absent and merges the fields
// the event carried. Existing message ids are never removed here.
func (s *Store) AddOrUpdateSession(meta SessionMeta) {
	if meta.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, changed := s.ensureSessionLocked(meta.ID)
	if meta.Title != nil && sess.Title != *meta.Title {
		sess.Title = *meta.Title
		changed = true
	}
	if meta.ParentID != nil && sess.ParentID != *meta.ParentID {
		sess.ParentID = *meta.ParentID
		changed = true
	}
	if meta.Revert != nil && !revertEqual(sess.Revert, meta.Revert) {
		r := *meta.Revert
		sess.Revert = &r
		changed = true
	}
	if changed {
		sess.Revision++
	}
}

// UpsertMessage creates or updates a message's role, status, timestamps
// and ephemerality. bumpRevision should be true only for changes visible
// to a renderer; creation always counts as visible because the session's
// message list grows.
func (s *Store) UpsertMessage(m MessageUpsert) {
	if m.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.messages[m.ID]
	if !ok {
		rec = &domain.MessageRecord{
			ID:          m.ID,
			SessionID:   m.SessionID,
			Role:        m.Role,
			Status:      m.Status,
			CreatedAt:   m.CreatedAt,
			UpdatedAt:   m.UpdatedAt,
			PartIDs:     []string{},
			Parts:       make(map[string]domain.PartEnvelope),
			IsEphemeral: m.IsEphemeral,
		}
		s.messages[m.ID] = rec
		sess, _ := s.ensureSessionLocked(m.SessionID)
		appendUnique(&sess.MessageIDs, m.ID)
		sess.Revision++
		return
	}

	changed := false
	if m.Role != "" && rec.Role != m.Role {
		rec.Role = m.Role
		changed = true
	}
	if m.Status != "" && rec.Status != m.Status {
		rec.Status = m.Status
		changed = true
	}
	if m.UpdatedAt != 0 && rec.UpdatedAt != m.UpdatedAt {
		rec.UpdatedAt = m.UpdatedAt
	}
	if rec.IsEphemeral != m.IsEphemeral {
		rec.IsEphemeral = m.IsEphemeral
		changed = true
	}
	if changed && m.BumpRevision {
		rec.Revision++
		s.bumpSessionLocked(rec.SessionID)
	}
}

// MessageUpsert is the writable field set of a message event.
type MessageUpsert struct {
	ID           string
	SessionID    string
	Role         domain.MessageRole
	Status       domain.MessageStatus
	CreatedAt    int64
	UpdatedAt    int64
	IsEphemeral  bool
	BumpRevision bool
}

// ApplyPartUpdate attaches or updates one part of a message. Updates for
// unknown messages are dropped: the worker emits message creation before
// part events, so an unknown id means the stream is stale. Re-applying an
// identical payload is a complete no-op; a distinct payload for an
// existing part id increments its version.
func (s *Store) ApplyPartUpdate(messageID string, part domain.Part) {
	if messageID == "" || part.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.messages[messageID]
	if !ok {
		s.logger.Debug("dropping part update for unknown message",
			"instance_id", s.instanceID,
			"message_id", messageID,
			"part_id", part.ID,
		)
		return
	}

	env, exists := rec.Parts[part.ID]
	if exists {
		if env.Data.Equal(part) {
			return
		}
		env.Data = part
		env.Version++
		rec.Parts[part.ID] = env
	} else {
		rec.PartIDs = append(rec.PartIDs, part.ID)
		rec.Parts[part.ID] = domain.PartEnvelope{Data: part, Version: 0}
	}

	rec.Revision++
	s.bumpSessionLocked(rec.SessionID)
}

// HydrateMessages replaces the full message list of a session, used on
// initial load and reconnect. Part version counters survive the rebuild
// wherever the incoming payload is byte-identical, so dependent views are
// not invalidated spuriously.
func (s *Store) HydrateMessages(sessionID string, messages []domain.MessageRecord, infos []domain.MessageInfo) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, _ := s.ensureSessionLocked(sessionID)

	changed := false
	ids := make([]string, 0, len(messages))
	for i := range messages {
		in := &messages[i]
		if in.ID == "" {
			continue
		}
		ids = append(ids, in.ID)
		if s.hydrateMessageLocked(sessionID, in) {
			changed = true
		}
	}

	// Drop messages that were in this session but not in the snapshot.
	for _, old := range sess.MessageIDs {
		if !contains(ids, old) {
			delete(s.messages, old)
			delete(s.infos, old)
			changed = true
		}
	}
	if !equalIDs(sess.MessageIDs, ids) {
		changed = true
	}
	sess.MessageIDs = ids

	for i := range infos {
		if s.setInfoLocked(&infos[i]) {
			changed = true
		}
	}
	if changed {
		sess.Revision++
	}
}

// hydrateMessageLocked merges one snapshot message, preserving existing
// part versions for identical payloads. Reports whether anything visible
// changed.
func (s *Store) hydrateMessageLocked(sessionID string, in *domain.MessageRecord) bool {
	rec, ok := s.messages[in.ID]
	if !ok {
		rec = &domain.MessageRecord{
			ID:        in.ID,
			SessionID: sessionID,
			Parts:     make(map[string]domain.PartEnvelope),
		}
		s.messages[in.ID] = rec
	}

	changed := !ok
	if rec.Role != in.Role || rec.Status != in.Status || rec.IsEphemeral != in.IsEphemeral {
		changed = true
	}
	rec.SessionID = sessionID
	rec.Role = in.Role
	rec.Status = in.Status
	rec.CreatedAt = in.CreatedAt
	rec.UpdatedAt = in.UpdatedAt
	rec.IsEphemeral = in.IsEphemeral

	newParts := make(map[string]domain.PartEnvelope, len(in.PartIDs))
	newIDs := make([]string, 0, len(in.PartIDs))
	for _, pid := range in.PartIDs {
		incoming, found := in.Parts[pid]
		if !found {
			continue
		}
		newIDs = append(newIDs, pid)
		if prev, had := rec.Parts[pid]; had && prev.Data.Equal(incoming.Data) {
			newParts[pid] = prev
			continue
		}
		if prev, had := rec.Parts[pid]; had {
			newParts[pid] = domain.PartEnvelope{Data: incoming.Data, Version: prev.Version + 1}
		} else {
			newParts[pid] = domain.PartEnvelope{Data: incoming.Data, Version: 0}
		}
		changed = true
	}
	if !equalIDs(rec.PartIDs, newIDs) || len(rec.Parts) != len(newParts) {
		changed = true
	}
	rec.PartIDs = newIDs
	rec.Parts = newParts
	if changed {
		rec.Revision++
	}
	return changed
}

// ReplaceMessageID rewrites a message's id, its position in the session's
// message list, and permission back-references, all under one lock hold.
// Used when a client-optimistic id is superseded by the worker's
// authoritative id. Unknown old ids are dropped silently.
func (s *Store) ReplaceMessageID(oldID, newID string) {
	if oldID == "" || newID == "" || oldID == newID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.messages[oldID]
	if !ok {
		return
	}
	delete(s.messages, oldID)
	rec.ID = newID
	s.messages[newID] = rec

	if info, ok := s.infos[oldID]; ok {
		delete(s.infos, oldID)
		info.ID = newID
		s.infos[newID] = info
	}

	if sess, ok := s.sessions[rec.SessionID]; ok {
		for i, id := range sess.MessageIDs {
			if id == oldID {
				sess.MessageIDs[i] = newID
			}
		}
	}
	for _, perm := range s.permissions {
		if perm.MessageID == oldID {
			perm.MessageID = newID
		}
	}

	rec.Revision++
	s.bumpSessionLocked(rec.SessionID)
}

// RemoveMessage deletes a message and its info sidecar. Permissions that
// referenced it become orphaned rather than cascading; the UI prunes them.
func (s *Store) RemoveMessage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.messages[id]
	if !ok {
		return
	}
	delete(s.messages, id)
	delete(s.infos, id)

	if sess, ok := s.sessions[rec.SessionID]; ok {
		sess.MessageIDs = removeID(sess.MessageIDs, id)
		sess.Revision++
	}
}

// RemoveMessagePart detaches one part from a message.
func (s *Store) RemoveMessagePart(messageID, partID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.messages[messageID]
	if !ok {
		return
	}
	if _, had := rec.Parts[partID]; !had {
		return
	}
	delete(rec.Parts, partID)
	rec.PartIDs = removeID(rec.PartIDs, partID)
	rec.Revision++
	s.bumpSessionLocked(rec.SessionID)
}

// permissionFields is the subset of a permission payload used for
// correlation. Workers vary in where they put the part/call ids, so the
// top-level fields and the metadata block are both consulted.
type permissionFields struct {
	SessionID  string `json:"sessionID"`
	MessageID  string `json:"messageID"`
	PartID     string `json:"partID"`
	CallID     string `json:"callID"`
	ToolCallID string `json:"toolCallID"`
	Metadata   struct {
		PartID string `json:"partID"`
		CallID string `json:"callID"`
	} `json:"metadata"`
	Time struct {
		Created int64 `json:"created"`
	} `json:"time"`
}

func (f *permissionFields) partID() string {
	if f.PartID != "" {
		return f.PartID
	}
	return f.Metadata.PartID
}

func (f *permissionFields) callID() string {
	switch {
	case f.CallID != "":
		return f.CallID
	case f.ToolCallID != "":
		return f.ToolCallID
	default:
		return f.Metadata.CallID
	}
}

// UpsertPermission stores a pending approval request and correlates it to
// the triggering message/part: explicit payload fields are trusted first,
// then the target message's tool parts are scanned for a matching call id
// (first match wins). A permission with no message reference is stored
// unattached, still addressable by id.
func (s *Store) UpsertPermission(rec domain.PermissionRecord) {
	if rec.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var f permissionFields
	if len(rec.Payload) > 0 {
		// Correlation fields are best-effort; a payload the store
		// cannot parse is still kept verbatim.
		_ = json.Unmarshal(rec.Payload, &f)
	}
	if rec.MessageID == "" {
		rec.MessageID = f.MessageID
	}
	if rec.PartID == "" {
		rec.PartID = f.partID()
	}
	if rec.EnqueuedAt == 0 {
		rec.EnqueuedAt = f.Time.Created
	}
	if callID := f.callID(); rec.PartID == "" && rec.MessageID != "" && callID != "" {
		if msg, ok := s.messages[rec.MessageID]; ok {
			for _, pid := range msg.PartIDs {
				env := msg.Parts[pid]
				if env.Data.Type == "tool" && env.Data.CallID == callID {
					rec.PartID = pid
					break
				}
			}
		}
	}

	if prev, ok := s.permissions[rec.ID]; ok &&
		bytes.Equal(prev.Payload, rec.Payload) &&
		prev.MessageID == rec.MessageID &&
		prev.PartID == rec.PartID {
		return
	}

	stored := rec
	s.permissions[rec.ID] = &stored

	if msg, ok := s.messages[rec.MessageID]; ok {
		s.bumpSessionLocked(msg.SessionID)
	}
}

// RemovePermission deletes a permission by id, bumping the owning session
// when the permission was attached.
func (s *Store) RemovePermission(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	perm, ok := s.permissions[id]
	if !ok {
		return
	}
	delete(s.permissions, id)
	if msg, ok := s.messages[perm.MessageID]; ok {
		s.bumpSessionLocked(msg.SessionID)
	}
}

// SetSessionRevert records (or clears, with nil) the rewind target for a
// session. The store keeps trailing messages; readers truncate their view
// at the target.
func (s *Store) SetSessionRevert(sessionID string, state *domain.SessionRevertState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	if revertEqual(sess.Revert, state) {
		return
	}
	if state == nil {
		sess.Revert = nil
	} else {
		r := *state
		sess.Revert = &r
	}
	sess.Revision++
}

// SetMessageInfo stores the worker-reported metadata sidecar for a message
// and folds assistant token usage into the session's usage snapshot.
func (s *Store) SetMessageInfo(info domain.MessageInfo) {
	if info.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setInfoLocked(&info) {
		s.bumpSessionLocked(info.SessionID)
	}
}

func (s *Store) setInfoLocked(info *domain.MessageInfo) bool {
	prev, had := s.infos[info.ID]
	if had && infoEqual(prev, info) {
		return false
	}
	stored := *info
	s.infos[info.ID] = &stored

	if info.Role == domain.RoleAssistant && info.Tokens != nil {
		s.usage[info.SessionID] = domain.UsageSnapshot{
			Tokens:     info.Tokens.Input + info.Tokens.Output + info.Tokens.Reasoning,
			Cost:       info.Cost,
			ModelID:    info.ModelID,
			ProviderID: info.ProviderID,
		}
	}
	return true
}

// --- read surface ---
// All reads return copies; callers can hold results across store mutations.

// SessionMessageIDs returns the ordered message ids of a session.
func (s *Store) SessionMessageIDs(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, len(sess.MessageIDs))
	copy(out, sess.MessageIDs)
	return out
}

// Message returns a copy of the message record for id.
func (s *Store) Message(id string) (domain.MessageRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.messages[id]
	if !ok {
		return domain.MessageRecord{}, false
	}
	return copyMessage(rec), true
}

// MessageInfo returns the metadata sidecar for a message id.
func (s *Store) MessageInfo(id string) (domain.MessageInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.infos[id]
	if !ok {
		return domain.MessageInfo{}, false
	}
	return *info, true
}

// SessionRevision returns the session's current revision counter, zero
// for unknown sessions.
func (s *Store) SessionRevision(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.Revision
	}
	return 0
}

// SessionUsage returns the aggregated usage snapshot for a session.
func (s *Store) SessionUsage(sessionID string) (domain.UsageSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usage[sessionID]
	return u, ok
}

// SessionRevert returns a copy of the session's revert state, nil when no
// revert is active.
func (s *Store) SessionRevert(sessionID string) *domain.SessionRevertState {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.Revert == nil {
		return nil
	}
	r := *sess.Revert
	return &r
}

// Permission returns the stored permission record for id.
func (s *Store) Permission(id string) (domain.PermissionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	perm, ok := s.permissions[id]
	if !ok {
		return domain.PermissionRecord{}, false
	}
	return *perm, true
}

// Session returns a copy of the session record for id.
func (s *Store) Session(id string) (domain.SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.SessionRecord{}, false
	}
	out := *sess
	out.MessageIDs = make([]string, len(sess.MessageIDs))
	copy(out.MessageIDs, sess.MessageIDs)
	if sess.Revert != nil {
		r := *sess.Revert
		out.Revert = &r
	}
	return out, true
}

// --- internals ---

func (s *Store) ensureSessionLocked(id string) (*domain.SessionRecord, bool) {
	if sess, ok := s.sessions[id]; ok {
		return sess, false
	}
	sess := &domain.SessionRecord{ID: id, MessageIDs: []string{}}
	s.sessions[id] = sess
	return sess, true
}

func (s *Store) bumpSessionLocked(sessionID string) {
	if sess, ok := s.sessions[sessionID]; ok {
		sess.Revision++
	}
}

func copyMessage(rec *domain.MessageRecord) domain.MessageRecord {
	out := *rec
	out.PartIDs = make([]string, len(rec.PartIDs))
	copy(out.PartIDs, rec.PartIDs)
	out.Parts = make(map[string]domain.PartEnvelope, len(rec.Parts))
	for k, v := range rec.Parts {
		out.Parts[k] = v
	}
	return out
}

func infoEqual(a, b *domain.MessageInfo) bool {
	if a.ID != b.ID || a.SessionID != b.SessionID || a.Role != b.Role ||
		a.ModelID != b.ModelID || a.ProviderID != b.ProviderID ||
		a.Cost != b.Cost || a.Summary != b.Summary {
		return false
	}
	if (a.Tokens == nil) != (b.Tokens == nil) {
		return false
	}
	if a.Tokens != nil && *a.Tokens != *b.Tokens {
		return false
	}
	return bytes.Equal(a.Raw, b.Raw)
}

func revertEqual(a, b *domain.SessionRevertState) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func appendUnique(ids *[]string, id string) {
	if !contains(*ids, id) {
		*ids = append(*ids, id)
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
