package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"agentdeck/internal/domain"
	"agentdeck/internal/usecase/msgstore"
	"agentdeck/internal/usecase/workspace"
)

// API binds the workspace manager and the session stores to the gateway's
// RPC and HTTP surfaces.
type API struct {
	workspaces *workspace.Manager
	stores     *msgstore.Bus
	logger     *slog.Logger
}

// RegisterAPI wires every RPC method and HTTP route onto the server.
func RegisterAPI(s *Server, ws *workspace.Manager, stores *msgstore.Bus, logger *slog.Logger) *API {
	a := &API{workspaces: ws, stores: stores, logger: logger}

	s.RegisterHandler("workspace.create", a.rpcWorkspaceCreate)
	s.RegisterHandler("workspace.delete", a.rpcWorkspaceDelete)
	s.RegisterHandler("workspace.get", a.rpcWorkspaceGet)
	s.RegisterHandler("workspace.list", a.rpcWorkspaceList)
	s.RegisterHandler("workspace.port", a.rpcWorkspacePort)
	s.RegisterHandler("workspace.logs", a.rpcWorkspaceLogs)
	s.RegisterHandler("session.messageIds", a.rpcSessionMessageIDs)
	s.RegisterHandler("session.revision", a.rpcSessionRevision)
	s.RegisterHandler("session.usage", a.rpcSessionUsage)
	s.RegisterHandler("session.revert", a.rpcSessionRevert)
	s.RegisterHandler("session.hydrate", a.rpcSessionHydrate)
	s.RegisterHandler("message.get", a.rpcMessageGet)
	s.RegisterHandler("message.info", a.rpcMessageInfo)
	s.RegisterHandler("message.replaceId", a.rpcMessageReplaceID)

	s.RegisterHTTPRoute("GET /healthz", a.httpHealth)
	s.RegisterHTTPRoute("GET /workspaces", a.httpListWorkspaces)
	s.RegisterHTTPRoute("POST /workspaces", a.httpCreateWorkspace)
	s.RegisterHTTPRoute("GET /workspaces/{id}", a.httpGetWorkspace)
	s.RegisterHTTPRoute("DELETE /workspaces/{id}", a.httpDeleteWorkspace)

	return a
}

// --- RPC methods ---

type workspaceCreateParams struct {
	Path     string `json:"path"`
	Name     string `json:"name,omitempty"`
	BinaryID string `json:"binaryId,omitempty"`
}

func (a *API) rpcWorkspaceCreate(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p workspaceCreateParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.NewSubSystemError("workspace", "gateway.workspace.create", domain.ErrInvalidInput, err.Error())
	}
	desc, err := a.workspaces.Create(ctx, workspace.CreateInput{Path: p.Path, Name: p.Name, BinaryID: p.BinaryID})
	if err != nil {
		return nil, err
	}
	return json.Marshal(desc)
}

type workspaceIDParams struct {
	ID string `json:"id"`
}

func (a *API) rpcWorkspaceDelete(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p workspaceIDParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.NewSubSystemError("workspace", "gateway.workspace.delete", domain.ErrInvalidInput, err.Error())
	}
	desc, err := a.workspaces.Delete(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(desc)
}

func (a *API) rpcWorkspaceGet(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p workspaceIDParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.NewSubSystemError("workspace", "gateway.workspace.get", domain.ErrInvalidInput, err.Error())
	}
	desc, err := a.workspaces.Get(p.ID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(desc)
}

func (a *API) rpcWorkspaceList(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(a.workspaces.List())
}

func (a *API) rpcWorkspacePort(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p workspaceIDParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.NewSubSystemError("workspace", "gateway.workspace.port", domain.ErrInvalidInput, err.Error())
	}
	port, err := a.workspaces.InstancePort(p.ID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int{"port": port})
}

type workspaceLogsParams struct {
	ID           string `json:"id"`
	StdoutOffset int64  `json:"stdoutOffset,omitempty"`
	StderrOffset int64  `json:"stderrOffset,omitempty"`
}

func (a *API) rpcWorkspaceLogs(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p workspaceLogsParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.NewSubSystemError("workspace", "gateway.workspace.logs", domain.ErrInvalidInput, err.Error())
	}
	out, err := a.workspaces.WorkerOutput(p.ID, p.StdoutOffset, p.StderrOffset)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

type sessionParams struct {
	InstanceID string `json:"instanceId"`
	SessionID  string `json:"sessionId"`
}

func (a *API) rpcSessionMessageIDs(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p sessionParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.NewSubSystemError("session", "gateway.session.messageIds", domain.ErrInvalidInput, err.Error())
	}
	ids := a.stores.GetOrCreate(p.InstanceID).SessionMessageIDs(p.SessionID)
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

func (a *API) rpcSessionRevision(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p sessionParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.NewSubSystemError("session", "gateway.session.revision", domain.ErrInvalidInput, err.Error())
	}
	rev := a.stores.GetOrCreate(p.InstanceID).SessionRevision(p.SessionID)
	return json.Marshal(map[string]int{"revision": rev})
}

func (a *API) rpcSessionUsage(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p sessionParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.NewSubSystemError("session", "gateway.session.usage", domain.ErrInvalidInput, err.Error())
	}
	usage, ok := a.stores.GetOrCreate(p.InstanceID).SessionUsage(p.SessionID)
	if !ok {
		return json.Marshal(nil)
	}
	return json.Marshal(usage)
}

func (a *API) rpcSessionRevert(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p sessionParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.NewSubSystemError("session", "gateway.session.revert", domain.ErrInvalidInput, err.Error())
	}
	return json.Marshal(a.stores.GetOrCreate(p.InstanceID).SessionRevert(p.SessionID))
}

type sessionHydrateParams struct {
	InstanceID string                 `json:"instanceId"`
	SessionID  string                 `json:"sessionId"`
	Messages   []domain.MessageRecord `json:"messages"`
	Infos      []domain.MessageInfo   `json:"infos,omitempty"`
}

func (a *API) rpcSessionHydrate(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p sessionHydrateParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.NewSubSystemError("session", "gateway.session.hydrate", domain.ErrInvalidInput, err.Error())
	}
	if p.SessionID == "" {
		return nil, domain.NewSubSystemError("session", "gateway.session.hydrate", domain.ErrInvalidInput, "sessionId is required")
	}
	store := a.stores.GetOrCreate(p.InstanceID)
	store.HydrateMessages(p.SessionID, p.Messages, p.Infos)
	return json.Marshal(map[string]int{"revision": store.SessionRevision(p.SessionID)})
}

type messageParams struct {
	InstanceID string `json:"instanceId"`
	MessageID  string `json:"messageId"`
}

func (a *API) rpcMessageGet(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p messageParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.NewSubSystemError("message", "gateway.message.get", domain.ErrInvalidInput, err.Error())
	}
	msg, ok := a.stores.GetOrCreate(p.InstanceID).Message(p.MessageID)
	if !ok {
		return nil, domain.NewSubSystemError("message", "gateway.message.get", domain.ErrNotFound, p.MessageID)
	}
	return json.Marshal(msg)
}

func (a *API) rpcMessageInfo(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p messageParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.NewSubSystemError("message", "gateway.message.info", domain.ErrInvalidInput, err.Error())
	}
	info, ok := a.stores.GetOrCreate(p.InstanceID).MessageInfo(p.MessageID)
	if !ok {
		return nil, domain.NewSubSystemError("message", "gateway.message.info", domain.ErrNotFound, p.MessageID)
	}
	return json.Marshal(info)
}

type replaceIDParams struct {
	InstanceID string `json:"instanceId"`
	OldID      string `json:"oldId"`
	NewID      string `json:"newId"`
}

func (a *API) rpcMessageReplaceID(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p replaceIDParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.NewSubSystemError("message", "gateway.message.replaceId", domain.ErrInvalidInput, err.Error())
	}
	if p.OldID == "" || p.NewID == "" {
		return nil, domain.NewSubSystemError("message", "gateway.message.replaceId", domain.ErrInvalidInput, "oldId and newId are required")
	}
	a.stores.GetOrCreate(p.InstanceID).ReplaceMessageID(p.OldID, p.NewID)
	return json.Marshal(map[string]bool{"ok": true})
}

// --- HTTP routes ---

func (a *API) httpHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) httpListWorkspaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.workspaces.List())
}

func (a *API) httpCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var p workspaceCreateParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	desc, err := a.workspaces.Create(r.Context(), workspace.CreateInput{Path: p.Path, Name: p.Name, BinaryID: p.BinaryID})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

func (a *API) httpGetWorkspace(w http.ResponseWriter, r *http.Request) {
	desc, err := a.workspaces.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (a *API) httpDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	desc, err := a.workspaces.Delete(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrWorkspaceNotFound), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyRunning), errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(domain.ErrorCodeOf(err)),
	})
}
