// Package supervisor owns the table of live worker processes. It spawns a
// worker per workspace on an allocated local port, waits for readiness,
// tracks exits, and escalates graceful stops to a forced kill.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"agentdeck/internal/domain"
)

// ReadyProbe checks once whether the worker bound to port is accepting
// connections. The supervisor polls it until success, early exit, or the
// launch timeout.
type ReadyProbe func(ctx context.Context, port int) error

// Config holds supervisor tuning.
type Config struct {
	LaunchTimeout   time.Duration // max wait for readiness (default: 30s)
	StopGrace       time.Duration // wait after SIGTERM before SIGKILL (default: 5s)
	StderrTailMax   int           // bytes of stderr kept for diagnostics (default: 8KiB)
	OutputBufferMax int           // bytes of stdout kept per worker (default: 1MB)
	ProbeInterval   time.Duration // readiness poll interval (default: 50ms)
}

// handle tracks one running worker. Never exposed outside the supervisor.
type handle struct {
	workspaceID string
	pid         int
	port        int
	cmd         *exec.Cmd
	requested   bool // stop was caller-initiated; set before signalling
	done        chan struct{}
	stderr      *logBuffer
	onExit      func(domain.ProcessExit)
}

// workerOutput holds the captured output streams of one worker. Kept after
// the process exits so the last run stays inspectable.
type workerOutput struct {
	stdout *logBuffer
	stderr *logBuffer
}

// LaunchError reports a worker that failed to come up. Its message is the
// captured stderr when available so callers can surface the worker's own
// complaint verbatim.
type LaunchError struct {
	Code   int
	Stderr string
}

func (e *LaunchError) Error() string {
	if e.Stderr != "" {
		return e.Stderr
	}
	return fmt.Sprintf("process exited with code %d", e.Code)
}

func (e *LaunchError) Unwrap() error { return domain.ErrLaunchFailed }

// Supervisor manages worker processes keyed by workspace id.
type Supervisor struct {
	mu        sync.Mutex
	procs     map[string]*handle
	launching map[string]chan struct{} // in-flight launches, closed on settle
	reserved  map[int]struct{}         // ports handed out but not yet released
	output    map[string]*workerOutput // captured output, kept across exits
	cfg       Config
	probe     ReadyProbe
	logger    *slog.Logger
}

// New creates a supervisor with the default TCP readiness probe.
func New(cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.StderrTailMax <= 0 {
		cfg.StderrTailMax = 8 * 1024
	}
	if cfg.OutputBufferMax <= 0 {
		cfg.OutputBufferMax = 1 << 20
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 50 * time.Millisecond
	}
	return &Supervisor{
		procs:     make(map[string]*handle),
		launching: make(map[string]chan struct{}),
		reserved:  make(map[int]struct{}),
		output:    make(map[string]*workerOutput),
		cfg:       cfg,
		probe:     tcpProbe,
		logger:    logger,
	}
}

// WithProbe replaces the readiness probe. Intended for tests and for
// workers with a non-TCP readiness signal.
func (s *Supervisor) WithProbe(probe ReadyProbe) *Supervisor {
	s.probe = probe
	return s
}

// tcpProbe is the default readiness check: the worker is ready once it
// accepts a TCP connection on its assigned port.
func tcpProbe(ctx context.Context, port int) error {
	d := net.Dialer{Timeout: 250 * time.Millisecond}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Launch starts a worker for the given spec, waits for readiness, and
// registers its exit watcher. Exactly one launch may be in flight per
// workspace id.
func (s *Supervisor) Launch(ctx context.Context, spec domain.LaunchSpec) (domain.LaunchResult, error) {
	s.mu.Lock()
	if _, running := s.procs[spec.WorkspaceID]; running {
		s.mu.Unlock()
		return domain.LaunchResult{}, domain.NewSubSystemError("supervisor", "Supervisor.Launch", domain.ErrAlreadyRunning, spec.WorkspaceID)
	}
	if _, inflight := s.launching[spec.WorkspaceID]; inflight {
		s.mu.Unlock()
		return domain.LaunchResult{}, domain.NewSubSystemError("supervisor", "Supervisor.Launch", domain.ErrDuplicate, "launch already in flight")
	}
	settled := make(chan struct{})
	s.launching[spec.WorkspaceID] = settled
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.launching, spec.WorkspaceID)
		s.mu.Unlock()
		close(settled)
	}()

	port, err := s.allocatePort()
	if err != nil {
		return domain.LaunchResult{}, domain.WrapOp("Supervisor.Launch", err)
	}

	cmd := exec.Command(spec.BinaryPath, "serve", "--port", strconv.Itoa(port), "--hostname", "127.0.0.1")
	cmd.Dir = spec.Folder
	cmd.Env = mergedEnv(spec.Environment)

	stdout := newLogBuffer(s.cfg.OutputBufferMax)
	stderr := newLogBuffer(s.cfg.StderrTailMax)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		s.releasePort(port)
		return domain.LaunchResult{}, fmt.Errorf("%w: %v", domain.ErrLaunchFailed, err)
	}

	// A fresh launch replaces any output kept from the previous run.
	s.mu.Lock()
	s.output[spec.WorkspaceID] = &workerOutput{stdout: stdout, stderr: stderr}
	s.mu.Unlock()

	s.logger.Info("worker spawned",
		"workspace_id", spec.WorkspaceID,
		"pid", cmd.Process.Pid,
		"port", port,
	)

	exited := make(chan int, 1)
	go func() {
		err := cmd.Wait()
		exited <- exitCode(err)
	}()

	if code, err := s.awaitReady(ctx, port, exited, stderr); err != nil {
		// Output stays registered so the failure remains inspectable.
		if code < 0 {
			// Still running: timeout or cancellation. Kill and collect.
			_ = cmd.Process.Kill()
			<-exited
		}
		s.releasePort(port)
		return domain.LaunchResult{}, err
	}

	h := &handle{
		workspaceID: spec.WorkspaceID,
		pid:         cmd.Process.Pid,
		port:        port,
		cmd:         cmd,
		done:        make(chan struct{}),
		stderr:      stderr,
		onExit:      spec.OnExit,
	}

	s.mu.Lock()
	s.procs[spec.WorkspaceID] = h
	s.mu.Unlock()

	go s.watch(h, exited)

	return domain.LaunchResult{PID: h.pid, Port: port}, nil
}

// awaitReady polls the readiness probe until it succeeds, the process
// exits early, or the launch timeout elapses. Returns the exit code when
// the process already died, -1 otherwise.
func (s *Supervisor) awaitReady(ctx context.Context, port int, exited <-chan int, stderr *logBuffer) (int, error) {
	deadline := time.NewTimer(s.cfg.LaunchTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.cfg.ProbeInterval)
	defer tick.Stop()

	for {
		select {
		case code := <-exited:
			return code, &LaunchError{Code: code, Stderr: strings.TrimSpace(stderr.String())}
		case <-deadline.C:
			return -1, domain.NewSubSystemError("supervisor", "Supervisor.Launch", domain.ErrLaunchTimeout,
				fmt.Sprintf("worker did not become ready within %s", s.cfg.LaunchTimeout))
		case <-ctx.Done():
			return -1, domain.WrapOp("Supervisor.Launch", ctx.Err())
		case <-tick.C:
			if err := s.probe(ctx, port); err == nil {
				return -1, nil
			}
		}
	}
}

// watch waits for a registered worker to exit, drops its handle, and
// reports the exit. The callback completes before done is closed, so a
// caller blocked in Stop observes the exit notification first.
func (s *Supervisor) watch(h *handle, exited <-chan int) {
	code := <-exited

	s.mu.Lock()
	requested := h.requested
	delete(s.procs, h.workspaceID)
	s.mu.Unlock()
	s.releasePort(h.port)

	s.logger.Info("worker exited",
		"workspace_id", h.workspaceID,
		"code", code,
		"requested", requested,
	)

	if h.onExit != nil {
		h.onExit(domain.ProcessExit{WorkspaceID: h.workspaceID, Code: code, Requested: requested})
	}
	close(h.done)
}

// Stop terminates the worker for workspaceID. Unknown ids are a no-op. A
// stop racing an in-flight launch waits for the launch to settle first,
// so a worker is never orphaned mid-start.
func (s *Supervisor) Stop(ctx context.Context, workspaceID string) error {
	s.mu.Lock()
	settled, inflight := s.launching[workspaceID]
	s.mu.Unlock()
	if inflight {
		select {
		case <-settled:
		case <-ctx.Done():
			return domain.WrapOp("Supervisor.Stop", ctx.Err())
		}
	}

	s.mu.Lock()
	h, ok := s.procs[workspaceID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	// Mark before signalling so the watcher classifies the exit as
	// requested rather than a crash.
	h.requested = true
	s.mu.Unlock()

	s.signalStop(h)

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		_ = h.cmd.Process.Kill()
		<-h.done
		return nil
	case <-grace.C:
		s.logger.Warn("worker ignored graceful stop, killing", "workspace_id", workspaceID)
		_ = h.cmd.Process.Kill()
		<-h.done
		return nil
	}
}

// signalStop asks the worker to exit gracefully.
func (s *Supervisor) signalStop(h *handle) {
	if runtime.GOOS == "windows" {
		_ = h.cmd.Process.Kill()
		return
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone; the watcher will clean up.
		s.logger.Debug("signal failed", "workspace_id", h.workspaceID, "error", err)
	}
}

// StopAll stops every tracked worker. Used at shutdown only; individual
// failures are logged so one stuck worker cannot block the rest.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil {
			s.logger.Error("failed to stop worker during shutdown", "workspace_id", id, "error", err)
		}
	}
}

// Output returns captured worker output from the given offsets onward,
// along with the new offsets to pass on the next call. Zero offsets read
// everything buffered. Output for a workspace that never launched a worker
// is an error.
func (s *Supervisor) Output(workspaceID string, stdoutOff, stderrOff int64) (domain.WorkerOutput, error) {
	s.mu.Lock()
	out, ok := s.output[workspaceID]
	s.mu.Unlock()
	if !ok {
		return domain.WorkerOutput{}, domain.NewSubSystemError("supervisor", "Supervisor.Output", domain.ErrNotFound, workspaceID)
	}
	return domain.WorkerOutput{
		Stdout:       out.stdout.ReadFrom(stdoutOff),
		Stderr:       out.stderr.ReadFrom(stderrOff),
		StdoutOffset: out.stdout.TotalWritten(),
		StderrOffset: out.stderr.TotalWritten(),
	}, nil
}

// DropOutput releases the retained output buffers for workspaceID. Called
// when the workspace itself is deleted.
func (s *Supervisor) DropOutput(workspaceID string) {
	s.mu.Lock()
	delete(s.output, workspaceID)
	s.mu.Unlock()
}

// Running reports whether a worker is currently tracked for workspaceID.
func (s *Supervisor) Running(workspaceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[workspaceID]
	return ok
}

// allocatePort reserves a free local TCP port. The reservation prevents
// two concurrent launches from being handed the same port; it is released
// when the worker exits or the launch fails.
func (s *Supervisor) allocatePort() (int, error) {
	for attempt := 0; attempt < 16; attempt++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, fmt.Errorf("allocate port: %w", err)
		}
		port := l.Addr().(*net.TCPAddr).Port
		_ = l.Close()

		s.mu.Lock()
		if _, taken := s.reserved[port]; !taken {
			s.reserved[port] = struct{}{}
			s.mu.Unlock()
			return port, nil
		}
		s.mu.Unlock()
	}
	return 0, fmt.Errorf("allocate port: no unreserved port after 16 attempts")
}

func (s *Supervisor) releasePort(port int) {
	s.mu.Lock()
	delete(s.reserved, port)
	s.mu.Unlock()
}

// mergedEnv combines the parent environment with the workspace overrides,
// sorted for deterministic spawn contracts.
func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// exitCode extracts the process exit code from cmd.Wait's error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
