package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"agentdeck/internal/domain"
	"agentdeck/internal/usecase/msgstore"
	"agentdeck/internal/usecase/workspace"
)

type fakeRuntime struct {
	mu      sync.Mutex
	specs   map[string]domain.LaunchSpec
	nextPID int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{specs: make(map[string]domain.LaunchSpec), nextPID: 4000}
}

func (f *fakeRuntime) Launch(_ context.Context, spec domain.LaunchSpec) (domain.LaunchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs[spec.WorkspaceID] = spec
	f.nextPID++
	return domain.LaunchResult{PID: f.nextPID, Port: 9000 + f.nextPID}, nil
}

func (f *fakeRuntime) Stop(_ context.Context, workspaceID string) error {
	f.mu.Lock()
	spec, ok := f.specs[workspaceID]
	delete(f.specs, workspaceID)
	f.mu.Unlock()
	if ok && spec.OnExit != nil {
		spec.OnExit(domain.ProcessExit{WorkspaceID: workspaceID, Code: 0, Requested: true})
	}
	return nil
}

func (f *fakeRuntime) Output(workspaceID string, stdoutOff, stderrOff int64) (domain.WorkerOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.specs[workspaceID]; !ok {
		return domain.WorkerOutput{}, domain.ErrNotFound
	}
	return domain.WorkerOutput{Stdout: "listening\n", StdoutOffset: 10}, nil
}

func (f *fakeRuntime) DropOutput(workspaceID string) {}

func (f *fakeRuntime) StopAll(ctx context.Context) {
	f.mu.Lock()
	ids := make([]string, 0, len(f.specs))
	for id := range f.specs {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	for _, id := range ids {
		f.Stop(ctx, id)
	}
}

type staticResolver struct{ version string }

func (r staticResolver) Resolve(_ context.Context, identifier string) string { return identifier }
func (r staticResolver) DetectVersion(_ context.Context, _ string) string   { return r.version }

func newTestAPI(t *testing.T) (*API, *Server) {
	t.Helper()
	bus := &testBus{}
	manager := workspace.NewManager(workspace.Config{
		ConfigDir:     t.TempDir(),
		DefaultBinary: workspace.Binary{ID: "agent-worker", Label: "Agent Worker", Path: "agent-worker"},
	}, newFakeRuntime(), staticResolver{version: "1.0.0"}, bus, testLogger())
	stores := msgstore.NewBus(testLogger())

	srv := NewServer(bus, "127.0.0.1:0", testLogger())
	api := RegisterAPI(srv, manager, stores, testLogger())
	return api, srv
}

func TestRPCWorkspaceCreateAndGet(t *testing.T) {
	api, _ := newTestAPI(t)
	ctx := context.Background()

	raw, err := api.rpcWorkspaceCreate(ctx, json.RawMessage(`{"path":"/tmp/proj","name":"proj"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var desc domain.WorkspaceDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if desc.Status != domain.WorkspaceStatusReady {
		t.Errorf("status = %q", desc.Status)
	}
	if desc.Port == nil || desc.PID == nil {
		t.Error("expected port and pid after launch")
	}

	raw, err = api.rpcWorkspaceGet(ctx, json.RawMessage(fmt.Sprintf(`{"id":%q}`, desc.ID)))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var got domain.WorkspaceDescriptor
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != desc.ID {
		t.Errorf("id = %q, want %q", got.ID, desc.ID)
	}

	raw, err = api.rpcWorkspacePort(ctx, json.RawMessage(fmt.Sprintf(`{"id":%q}`, desc.ID)))
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	var port map[string]int
	if err := json.Unmarshal(raw, &port); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if port["port"] != *desc.Port {
		t.Errorf("port = %d, want %d", port["port"], *desc.Port)
	}

	raw, err = api.rpcWorkspaceLogs(ctx, json.RawMessage(fmt.Sprintf(`{"id":%q}`, desc.ID)))
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	var out domain.WorkerOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Stdout != "listening\n" || out.StdoutOffset != 10 {
		t.Errorf("logs = %+v", out)
	}
}

func TestRPCWorkspaceCreateRejectsEmptyPath(t *testing.T) {
	api, _ := newTestAPI(t)

	_, err := api.rpcWorkspaceCreate(context.Background(), json.RawMessage(`{"path":""}`))
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v, want invalid input", err)
	}
}

func TestRPCWorkspaceDeleteUnknown(t *testing.T) {
	api, _ := newTestAPI(t)

	_, err := api.rpcWorkspaceDelete(context.Background(), json.RawMessage(`{"id":"nope"}`))
	if !errors.Is(err, domain.ErrWorkspaceNotFound) {
		t.Fatalf("err = %v, want workspace not found", err)
	}
}

func TestRPCSessionQueries(t *testing.T) {
	api, _ := newTestAPI(t)
	ctx := context.Background()

	store := api.stores.GetOrCreate("ws-1")
	title := "chat"
	store.AddOrUpdateSession(msgstore.SessionMeta{ID: "sess-1", Title: &title})
	now := time.Now().UnixMilli()
	store.UpsertMessage(msgstore.MessageUpsert{
		ID: "m1", SessionID: "sess-1", Role: "user", Status: "sent",
		CreatedAt: now, UpdatedAt: now, BumpRevision: true,
	})

	raw, err := api.rpcSessionMessageIDs(ctx, json.RawMessage(`{"instanceId":"ws-1","sessionId":"sess-1"}`))
	if err != nil {
		t.Fatalf("messageIds: %v", err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(ids) != 1 || ids[0] != "m1" {
		t.Errorf("ids = %v", ids)
	}

	raw, err = api.rpcSessionRevision(ctx, json.RawMessage(`{"instanceId":"ws-1","sessionId":"sess-1"}`))
	if err != nil {
		t.Fatalf("revision: %v", err)
	}
	var rev map[string]int
	if err := json.Unmarshal(raw, &rev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rev["revision"] == 0 {
		t.Error("expected non-zero revision after upsert")
	}

	raw, err = api.rpcMessageGet(ctx, json.RawMessage(`{"instanceId":"ws-1","messageId":"m1"}`))
	if err != nil {
		t.Fatalf("message.get: %v", err)
	}
	var msg domain.MessageRecord
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Role != "user" {
		t.Errorf("role = %q", msg.Role)
	}

	_, err = api.rpcMessageGet(ctx, json.RawMessage(`{"instanceId":"ws-1","messageId":"missing"}`))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestRPCSessionMessageIDsEmptySession(t *testing.T) {
	api, _ := newTestAPI(t)

	raw, err := api.rpcSessionMessageIDs(context.Background(), json.RawMessage(`{"instanceId":"ws-1","sessionId":"unknown"}`))
	if err != nil {
		t.Fatalf("messageIds: %v", err)
	}
	if string(raw) != "[]" {
		t.Errorf("payload = %s, want []", raw)
	}
}

func TestRPCMessageReplaceID(t *testing.T) {
	api, _ := newTestAPI(t)
	ctx := context.Background()

	store := api.stores.GetOrCreate("ws-1")
	store.AddOrUpdateSession(msgstore.SessionMeta{ID: "sess-1"})
	now := time.Now().UnixMilli()
	store.UpsertMessage(msgstore.MessageUpsert{
		ID: "optimistic-1", SessionID: "sess-1", Role: "user", Status: "sent",
		CreatedAt: now, UpdatedAt: now, BumpRevision: true,
	})

	_, err := api.rpcMessageReplaceID(ctx, json.RawMessage(`{"instanceId":"ws-1","oldId":"optimistic-1","newId":"srv-7"}`))
	if err != nil {
		t.Fatalf("replaceId: %v", err)
	}
	if _, ok := store.Message("optimistic-1"); ok {
		t.Error("old id still resolves")
	}
	if _, ok := store.Message("srv-7"); !ok {
		t.Error("new id does not resolve")
	}

	_, err = api.rpcMessageReplaceID(ctx, json.RawMessage(`{"instanceId":"ws-1","oldId":"","newId":"x"}`))
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v, want invalid input", err)
	}
}

func TestRPCSessionHydrate(t *testing.T) {
	api, _ := newTestAPI(t)

	payload := `{
		"instanceId": "ws-1",
		"sessionId": "sess-1",
		"messages": [
			{"id":"m1","session_id":"sess-1","role":"user","status":"sent"}
		]
	}`
	raw, err := api.rpcSessionHydrate(context.Background(), json.RawMessage(payload))
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	var rev map[string]int
	if err := json.Unmarshal(raw, &rev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ids := api.stores.GetOrCreate("ws-1").SessionMessageIDs("sess-1")
	if len(ids) != 1 || ids[0] != "m1" {
		t.Errorf("ids = %v", ids)
	}
}

func TestHTTPWorkspaceCRUD(t *testing.T) {
	_, srv := newTestAPI(t)
	startServer(t, srv)

	base := "http://" + srv.BoundAddr()

	resp, err := http.Post(base+"/workspaces", "application/json",
		bytes.NewReader([]byte(`{"path":"/tmp/proj"}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var desc domain.WorkspaceDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/workspaces")
	if err != nil {
		t.Fatalf("get list: %v", err)
	}
	var list []domain.WorkspaceDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if len(list) != 1 || list[0].ID != desc.ID {
		t.Errorf("list = %+v", list)
	}

	req, _ := http.NewRequest(http.MethodDelete, base+"/workspaces/"+desc.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/workspaces/" + desc.ID)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", resp.StatusCode)
	}
}

func TestHTTPHealth(t *testing.T) {
	_, srv := newTestAPI(t)
	startServer(t, srv)

	resp, err := http.Get("http://" + srv.BoundAddr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

// startServer runs an already configured server and waits for it to bind.
func startServer(t *testing.T, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		if err := srv.Start(ctx); err != nil {
			_ = err
		}
	}()
	deadline := time.Now().Add(3 * time.Second)
	for srv.BoundAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not bind in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Cleanup(func() { srv.Stop(context.Background()) })
}
