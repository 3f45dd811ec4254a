// Package bridge consumes each running worker's server-sent event stream
// and feeds the decoded events into that instance's session store. It is
// the only component doing network I/O on behalf of the stores: events
// are decoded one at a time and applied synchronously, which preserves
// worker emission order.
package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"agentdeck/internal/domain"
	"agentdeck/internal/usecase/msgstore"
)

// PortSource resolves the bound port of a running workspace's worker.
// Satisfied by the workspace manager.
type PortSource interface {
	InstancePort(id string) (int, error)
}

// Config tunes stream reconnection behavior.
type Config struct {
	ReconnectRate   float64       // reconnect attempts per second per worker (default: 1)
	ReconnectBurst  int           // reconnect token bucket size (default: 3)
	BreakerFailures uint32        // consecutive connect failures before the breaker opens (default: 5)
	BreakerCooldown time.Duration // how long the breaker stays open (default: 30s)
}

// Bridge watches workspace lifecycle events and maintains one stream
// consumer per running workspace.
type Bridge struct {
	cfg    Config
	bus    domain.EventBus
	stores *msgstore.Bus
	ports  PortSource
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []func()
}

func New(cfg Config, bus domain.EventBus, stores *msgstore.Bus, ports PortSource, logger *slog.Logger) *Bridge {
	if cfg.ReconnectRate <= 0 {
		cfg.ReconnectRate = 1
	}
	if cfg.ReconnectBurst <= 0 {
		cfg.ReconnectBurst = 3
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	return &Bridge{
		cfg:     cfg,
		bus:     bus,
		stores:  stores,
		ports:   ports,
		client:  &http.Client{},
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start subscribes to the lifecycle bus. A started workspace gets a
// consumer; a stopped workspace loses its consumer and its store.
func (b *Bridge) Start(ctx context.Context) {
	b.unsubs = append(b.unsubs,
		b.bus.Subscribe(domain.EventWorkspaceStarted, func(_ context.Context, e domain.Event) {
			b.startConsumer(ctx, e.WorkspaceID)
		}),
		b.bus.Subscribe(domain.EventWorkspaceStopped, func(_ context.Context, e domain.Event) {
			b.stopConsumer(e.WorkspaceID)
			b.stores.Destroy(e.WorkspaceID)
		}),
		b.bus.Subscribe(domain.EventWorkspaceError, func(_ context.Context, e domain.Event) {
			// The worker is gone but the workspace was not deleted:
			// keep the store so the UI can still render what arrived.
			b.stopConsumer(e.WorkspaceID)
		}),
	)
}

// Close cancels every consumer and waits for them to drain.
func (b *Bridge) Close() {
	for _, off := range b.unsubs {
		off()
	}
	b.mu.Lock()
	for id, cancel := range b.cancels {
		cancel()
		delete(b.cancels, id)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bridge) startConsumer(ctx context.Context, workspaceID string) {
	b.mu.Lock()
	if _, running := b.cancels[workspaceID]; running {
		b.mu.Unlock()
		return
	}
	cctx, cancel := context.WithCancel(ctx)
	b.cancels[workspaceID] = cancel
	b.mu.Unlock()

	// Bus handlers run concurrently, so a create followed by an
	// immediate delete can deliver stopped before started. The cancel
	// entry is registered before the port lookup: a workspace already
	// gone either fails the lookup here or has its entry cancelled by
	// stopConsumer, never a live consumer on a dead port.
	port, err := b.ports.InstancePort(workspaceID)
	if err != nil {
		b.logger.Warn("no port for started workspace", "workspace_id", workspaceID, "error", err)
		b.stopConsumer(workspaceID)
		return
	}
	if cctx.Err() != nil {
		b.stopConsumer(workspaceID)
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.consume(cctx, workspaceID, port)
	}()
}

func (b *Bridge) stopConsumer(workspaceID string) {
	b.mu.Lock()
	cancel, ok := b.cancels[workspaceID]
	if ok {
		delete(b.cancels, workspaceID)
	}
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

// consume connects to the worker's event endpoint and applies the stream
// until the context is cancelled. Reconnects are rate limited, and a
// breaker stops hammering a worker whose endpoint keeps refusing.
func (b *Bridge) consume(ctx context.Context, workspaceID string, port int) {
	if ctx.Err() != nil {
		// Cancelled before the first connect: do not recreate a store
		// the stopped handler already destroyed.
		return
	}
	store := b.stores.GetOrCreate(workspaceID)
	limiter := rate.NewLimiter(rate.Limit(b.cfg.ReconnectRate), b.cfg.ReconnectBurst)

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "bridge:" + workspaceID,
		MaxRequests: 1,
		Timeout:     b.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("stream breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		resp, err := breaker.Execute(func() (*http.Response, error) {
			return b.connect(ctx, port)
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Debug("stream connect failed", "workspace_id", workspaceID, "error", err)
			continue
		}

		b.publish(ctx, domain.EventBridgeConnected, workspaceID)
		err = streamEvents(ctx, resp.Body, func(ev StreamEvent) {
			ApplyEvent(store, ev, b.logger)
		})
		resp.Body.Close()
		b.publish(ctx, domain.EventBridgeDisconnected, workspaceID)

		if ctx.Err() != nil {
			return
		}
		b.logger.Info("stream dropped, will reconnect", "workspace_id", workspaceID, "error", err)
	}
}

func (b *Bridge) connect(ctx context.Context, port int) (*http.Response, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/event", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event endpoint returned %s", resp.Status)
	}
	return resp, nil
}

func (b *Bridge) publish(ctx context.Context, t domain.EventType, workspaceID string) {
	b.bus.Publish(ctx, domain.Event{Type: t, Timestamp: time.Now(), WorkspaceID: workspaceID})
}

// streamEvents reads "data:" lines off a server-sent event body, decodes
// each into a StreamEvent, and hands it to apply in arrival order.
// Returns ErrStreamClosed when the worker ends the stream cleanly.
func streamEvents(ctx context.Context, body io.Reader, apply func(StreamEvent)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		ev, err := DecodeEvent([]byte(strings.TrimSpace(data)))
		if err != nil {
			continue
		}
		apply(ev)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return domain.ErrStreamClosed
}
