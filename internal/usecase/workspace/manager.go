// Package workspace implements the aggregate root for workspace records:
// creation, deletion, listing, and the descriptor state machine driven by
// worker process exits.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"agentdeck/internal/domain"
	"agentdeck/internal/infra/tracer"
)

// Runtime is the process lifecycle surface the manager drives. Satisfied
// by the supervisor.
type Runtime interface {
	Launch(ctx context.Context, spec domain.LaunchSpec) (domain.LaunchResult, error)
	Stop(ctx context.Context, workspaceID string) error
	StopAll(ctx context.Context)
	Output(workspaceID string, stdoutOff, stderrOff int64) (domain.WorkerOutput, error)
	DropOutput(workspaceID string)
}

// BinaryResolver locates worker executables and probes their versions.
// Both operations fail open, so the manager never blocks creation on a
// resolution problem; the launch itself surfaces a truly missing binary.
type BinaryResolver interface {
	Resolve(ctx context.Context, identifier string) string
	DetectVersion(ctx context.Context, path string) string
}

// Binary identifies one launchable worker executable.
type Binary struct {
	ID    string
	Label string
	Path  string
}

// Config holds the manager's launch preferences.
type Config struct {
	// RootDir anchors relative workspace paths. Absolute paths are used
	// as given.
	RootDir string
	// ConfigDir is handed to every worker through AGENTDECK_CONFIG_DIR
	// so all workers of one deck share configuration.
	ConfigDir     string
	DefaultBinary Binary
	Binaries      []Binary
	// EnvironmentVariables are user preferences merged into every
	// worker's environment.
	EnvironmentVariables map[string]string
}

// CreateInput is the caller-supplied part of a new workspace.
type CreateInput struct {
	Path     string
	Name     string
	BinaryID string // empty selects the configured default
}

// Manager owns the workspace descriptor table. All mutation goes through
// its methods; reads return copies.
type Manager struct {
	mu       sync.Mutex
	table    map[string]*domain.WorkspaceDescriptor
	runtime  Runtime
	resolver BinaryResolver
	bus      domain.EventBus
	cfg      Config
	logger   *slog.Logger
}

func NewManager(cfg Config, runtime Runtime, resolver BinaryResolver, bus domain.EventBus, logger *slog.Logger) *Manager {
	return &Manager{
		table:    make(map[string]*domain.WorkspaceDescriptor),
		runtime:  runtime,
		resolver: resolver,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
	}
}

// Create registers a workspace for the given folder and launches its
// worker. The descriptor enters the table in starting status before the
// launch attempt, so concurrent lookups during startup see a starting
// record rather than nothing. On launch failure the descriptor stays in
// the table with error status and the error is returned to the caller.
func (m *Manager) Create(ctx context.Context, in CreateInput) (domain.WorkspaceDescriptor, error) {
	ctx, span := tracer.StartSpan(ctx, "workspace.create",
		trace.WithAttributes(tracer.StringAttr("workspace.path", in.Path)),
	)
	defer span.End()

	if in.Path == "" {
		err := domain.NewSubSystemError("workspace", "Manager.Create", domain.ErrInvalidInput, "path is required")
		tracer.RecordError(span, err)
		return domain.WorkspaceDescriptor{}, err
	}

	bin, err := m.selectBinary(in.BinaryID)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.WorkspaceDescriptor{}, err
	}

	path := in.Path
	if !filepath.IsAbs(path) && m.cfg.RootDir != "" {
		path = filepath.Join(m.cfg.RootDir, path)
	}

	binaryPath := m.resolver.Resolve(ctx, bin.Path)
	version := m.resolver.DetectVersion(ctx, binaryPath)

	id := newID()
	now := time.Now()
	desc := &domain.WorkspaceDescriptor{
		ID:            id,
		Path:          path,
		Name:          in.Name,
		Status:        domain.WorkspaceStatusStarting,
		ProxyPath:     "/proxy/" + id,
		BinaryID:      bin.ID,
		BinaryLabel:   bin.Label,
		BinaryVersion: version,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	m.mu.Lock()
	m.table[id] = desc
	m.mu.Unlock()

	m.publish(ctx, domain.EventWorkspaceCreated, id, desc)
	m.logger.Info("workspace created",
		"workspace_id", id,
		"path", path,
		"binary", binaryPath,
		"version", version,
	)

	res, err := m.runtime.Launch(ctx, domain.LaunchSpec{
		WorkspaceID: id,
		Folder:      path,
		BinaryPath:  binaryPath,
		Environment: m.workerEnv(),
		OnExit:      func(e domain.ProcessExit) { m.handleExit(e) },
	})
	if err != nil {
		m.mu.Lock()
		desc.Status = domain.WorkspaceStatusError
		desc.Error = err.Error()
		desc.UpdatedAt = time.Now()
		snapshot := *desc
		m.mu.Unlock()

		m.publish(ctx, domain.EventWorkspaceError, id, &snapshot)
		m.logger.Error("workspace launch failed", "workspace_id", id, "error", err)
		tracer.RecordError(span, err)
		return snapshot, fmt.Errorf("launch workspace %s: %w", id, err)
	}

	m.mu.Lock()
	desc.Status = domain.WorkspaceStatusReady
	desc.PID = &res.PID
	desc.Port = &res.Port
	desc.Error = ""
	desc.UpdatedAt = time.Now()
	snapshot := *desc
	m.mu.Unlock()

	m.publish(ctx, domain.EventWorkspaceStarted, id, &snapshot)
	m.logger.Info("workspace started", "workspace_id", id, "pid", res.PID, "port", res.Port)
	tracer.SetOK(span)
	return snapshot, nil
}

// handleExit is the runtime's exit callback: the only path from a live
// worker back to a dormant descriptor. A requested or clean exit is a
// stop; anything else marks the workspace errored.
func (m *Manager) handleExit(e domain.ProcessExit) {
	ctx := context.Background()

	m.mu.Lock()
	desc, ok := m.table[e.WorkspaceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	desc.PID = nil
	desc.Port = nil
	desc.UpdatedAt = time.Now()
	if e.Requested || e.Code == 0 {
		desc.Status = domain.WorkspaceStatusStopped
		desc.Error = ""
	} else {
		desc.Status = domain.WorkspaceStatusError
		desc.Error = fmt.Sprintf("Process exited with code %d", e.Code)
	}
	status := desc.Status
	snapshot := *desc
	m.mu.Unlock()

	if status == domain.WorkspaceStatusStopped {
		m.publish(ctx, domain.EventWorkspaceStopped, e.WorkspaceID, nil)
	} else {
		m.publish(ctx, domain.EventWorkspaceError, e.WorkspaceID, &snapshot)
	}
	m.logger.Info("worker exit handled",
		"workspace_id", e.WorkspaceID,
		"code", e.Code,
		"requested", e.Requested,
		"status", status,
	)
}

// Delete stops the workspace's worker if one is attached and removes the
// descriptor. Unknown ids return ErrWorkspaceNotFound. Stop failures are
// logged, never returned: a failed stop must not keep a workspace in the
// active set. workspace.stopped is published here only when no worker was
// running; otherwise the exit callback has already published it.
func (m *Manager) Delete(ctx context.Context, id string) (domain.WorkspaceDescriptor, error) {
	ctx, span := tracer.StartSpan(ctx, "workspace.delete",
		trace.WithAttributes(tracer.StringAttr("workspace.id", id)),
	)
	defer span.End()

	m.mu.Lock()
	desc, ok := m.table[id]
	if !ok {
		m.mu.Unlock()
		err := domain.WrapOp("Manager.Delete", domain.ErrWorkspaceNotFound)
		tracer.RecordError(span, err)
		return domain.WorkspaceDescriptor{}, err
	}
	wasRunning := desc.Running()
	m.mu.Unlock()

	if wasRunning {
		if err := m.runtime.Stop(ctx, id); err != nil {
			m.logger.Error("stop during delete failed", "workspace_id", id, "error", err)
		}
	}

	m.mu.Lock()
	// The exit callback mutated the descriptor while we were stopping.
	snapshot := *desc
	delete(m.table, id)
	m.mu.Unlock()

	m.runtime.DropOutput(id)

	if !wasRunning {
		m.publish(ctx, domain.EventWorkspaceStopped, id, nil)
	}
	m.logger.Info("workspace deleted", "workspace_id", id)
	tracer.SetOK(span)
	return snapshot, nil
}

// Get returns a copy of the descriptor for id.
func (m *Manager) Get(id string) (domain.WorkspaceDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	desc, ok := m.table[id]
	if !ok {
		return domain.WorkspaceDescriptor{}, domain.WrapOp("Manager.Get", domain.ErrWorkspaceNotFound)
	}
	return *desc, nil
}

// List returns copies of all descriptors, newest first.
func (m *Manager) List() []domain.WorkspaceDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.WorkspaceDescriptor, 0, len(m.table))
	for _, desc := range m.table {
		out = append(out, *desc)
	}
	sortDescriptors(out)
	return out
}

// InstancePort returns the bound port of a running workspace's worker.
func (m *Manager) InstancePort(id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	desc, ok := m.table[id]
	if !ok {
		return 0, domain.WrapOp("Manager.InstancePort", domain.ErrWorkspaceNotFound)
	}
	if desc.Port == nil {
		return 0, domain.NewSubSystemError("workspace", "Manager.InstancePort", domain.ErrUnavailable, "no worker attached")
	}
	return *desc.Port, nil
}

// WorkerOutput returns captured process output for a workspace from the
// given offsets onward. Works for stopped and crashed workers too, so the
// shell can show what the last run printed.
func (m *Manager) WorkerOutput(id string, stdoutOff, stderrOff int64) (domain.WorkerOutput, error) {
	m.mu.Lock()
	_, ok := m.table[id]
	m.mu.Unlock()
	if !ok {
		return domain.WorkerOutput{}, domain.WrapOp("Manager.WorkerOutput", domain.ErrWorkspaceNotFound)
	}
	return m.runtime.Output(id, stdoutOff, stderrOff)
}

// Shutdown stops every running workspace and clears the table. Individual
// stop failures are logged and do not halt the loop.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.table))
	for id, desc := range m.table {
		if desc.Running() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.runtime.Stop(ctx, id); err != nil {
			m.logger.Error("stop during shutdown failed", "workspace_id", id, "error", err)
		}
	}

	m.mu.Lock()
	m.table = make(map[string]*domain.WorkspaceDescriptor)
	m.mu.Unlock()
}

// selectBinary picks the catalog entry for binaryID, or the default when
// binaryID is empty.
func (m *Manager) selectBinary(binaryID string) (Binary, error) {
	if binaryID == "" {
		return m.cfg.DefaultBinary, nil
	}
	for _, b := range m.cfg.Binaries {
		if b.ID == binaryID {
			return b, nil
		}
	}
	return Binary{}, domain.NewSubSystemError("workspace", "Manager.Create", domain.ErrInvalidInput,
		fmt.Sprintf("unknown binary %q", binaryID))
}

// workerEnv builds the environment overrides every worker receives.
func (m *Manager) workerEnv() map[string]string {
	env := make(map[string]string, len(m.cfg.EnvironmentVariables)+1)
	for k, v := range m.cfg.EnvironmentVariables {
		env[k] = v
	}
	if m.cfg.ConfigDir != "" {
		env["AGENTDECK_CONFIG_DIR"] = m.cfg.ConfigDir
	}
	return env
}

func (m *Manager) publish(ctx context.Context, t domain.EventType, workspaceID string, payload *domain.WorkspaceDescriptor) {
	ev := domain.Event{Type: t, Timestamp: time.Now(), WorkspaceID: workspaceID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			m.logger.Error("failed to encode event payload", "type", t, "error", err)
			return
		}
		ev.Payload = raw
	}
	m.bus.Publish(ctx, ev)
}

func sortDescriptors(list []domain.WorkspaceDescriptor) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
