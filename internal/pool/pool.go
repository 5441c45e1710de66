// Package pool implements the warm VM Pool (spec.md §4.2): a FIFO queue of
// pre-booted microVMs plus a background replenisher that keeps the queue at
// warm_target. Not present in the teacher, which boots a fresh VM
// synchronously per workload — built here in the teacher's concurrency
// idiom (a mutex-guarded struct plus a long-running goroutine, the same
// shape as the teacher's internal/engine.Engine run loop).
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neurovisor/control-plane/internal/metrics"
	"github.com/neurovisor/control-plane/internal/model"
)

// vmCreator is the subset of *vm.Manager the pool depends on. Declared here
// (teacher's backend.Backend interface plays the same role in
// internal/backend/backend.go) so tests can substitute a fake without
// spawning real hypervisor processes.
type vmCreator interface {
	Create(ctx context.Context, size model.VMSize) (*model.VMHandle, error)
	Destroy(ctx context.Context, handle *model.VMHandle) error
}

// ErrExhausted is returned when acquire's wait exceeds AcquireTimeout with
// no warm handle available and |active| already at max_total (spec.md §4.2).
var ErrExhausted = errors.New("pool: exhausted")

// ErrShutdown is returned by acquire once shutdown has been called.
var ErrShutdown = errors.New("pool: shut down")

const (
	// ReplenishTick is the periodic wakeup interval for the replenisher.
	ReplenishTick = 1 * time.Second

	// DefaultAcquireTimeout bounds how long Acquire waits for a handle
	// before returning ErrExhausted, when Config.AcquireTimeout is unset
	// (spec.md §4.2 "pool acquire timeout configurable (default 10s)").
	DefaultAcquireTimeout = 10 * time.Second

	// ShutdownGracePeriod bounds how long shutdown waits for active
	// handles to be released before force-destroying them.
	ShutdownGracePeriod = 10 * time.Second

	backoffInitial = 100 * time.Millisecond
	backoffCap     = 2 * time.Second
)

// Config configures a Pool (spec.md §3 Pool State).
type Config struct {
	WarmTarget     int
	MaxTotal       int
	Size           model.VMSize
	AcquireTimeout time.Duration
}

// Pool hands out fresh, isolated microVMs to callers and guarantees every
// acquired handle is destroyed on release — no handle is ever reused across
// two callers (spec.md §4.2 "central isolation guarantee").
type Pool struct {
	cfg     Config
	manager vmCreator
	logger  *slog.Logger

	mu     sync.Mutex
	warm   []*model.VMHandle
	active map[string]*model.VMHandle
	closed bool

	releaseSignal chan struct{}
	shutdownCh    chan struct{}
	doneCh        chan struct{}
}

// New constructs a Pool. Call Initialize before the first Acquire.
func New(cfg Config, manager vmCreator, logger *slog.Logger) *Pool {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	p := &Pool{
		cfg:           cfg,
		manager:       manager,
		logger:        logger,
		active:        make(map[string]*model.VMHandle),
		releaseSignal: make(chan struct{}, 1),
		shutdownCh:    make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	return p
}

// Initialize synchronously creates warm_target handles and starts the
// background replenisher. Fails fast and tears down partial state if any
// creation fails (spec.md §4.2).
func (p *Pool) Initialize(ctx context.Context) error {
	created := make([]*model.VMHandle, 0, p.cfg.WarmTarget)

	for i := 0; i < p.cfg.WarmTarget; i++ {
		h, err := p.manager.Create(ctx, p.cfg.Size)
		if err != nil {
			for _, done := range created {
				p.manager.Destroy(context.Background(), done)
			}
			return fmt.Errorf("pool: initialize: %w", err)
		}
		created = append(created, h)
	}

	p.mu.Lock()
	p.warm = created
	p.mu.Unlock()

	metrics.PoolWarmVMs.Set(float64(len(created)))
	metrics.PoolActiveVMs.Set(0)

	go p.replenishLoop()
	return nil
}

// Acquire dequeues a warm handle (FIFO), synthesizes one inline if the pool
// is below max_total and empty, or waits up to AcquireTimeout (spec.md §4.2).
func (p *Pool) Acquire(ctx context.Context) (*model.VMHandle, error) {
	start := time.Now()
	defer func() { metrics.PoolAcquireSeconds.Observe(time.Since(start).Seconds()) }()

	h, err := p.acquireWarmOrWait(ctx)
	if err != nil {
		return nil, err
	}

	if !h.MarkActive() {
		return nil, fmt.Errorf("pool: acquired handle %s was not warm", h.ID)
	}

	p.mu.Lock()
	p.active[h.ID] = h
	p.mu.Unlock()

	metrics.PoolWarmVMs.Set(float64(p.warmLen()))
	metrics.PoolActiveVMs.Set(float64(p.activeLen()))

	return h, nil
}

// acquireWarmOrWait polls rather than blocking on a condition variable: the
// only other writers of p.warm/p.active are Acquire/Release/replenishOnce,
// all of which hold the lock only briefly, so a short poll interval adds
// negligible latency while staying trivially correct under ctx cancellation
// and the acquire deadline.
func (p *Pool) acquireWarmOrWait(ctx context.Context) (*model.VMHandle, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	const pollInterval = 20 * time.Millisecond

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrShutdown
		}

		if len(p.warm) > 0 {
			h := p.warm[0]
			p.warm = p.warm[1:]
			p.mu.Unlock()
			return h, nil
		}

		synthesize := len(p.warm)+len(p.active) < p.cfg.MaxTotal
		p.mu.Unlock()

		if synthesize {
			h, err := p.manager.Create(ctx, p.cfg.Size)
			if err != nil {
				return nil, fmt.Errorf("pool: synthesize handle: %w", err)
			}
			return h, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrExhausted
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release unconditionally destroys handle and signals the replenisher
// (spec.md §4.2). Safe to call exactly once per acquired handle.
func (p *Pool) Release(ctx context.Context, h *model.VMHandle) {
	p.mu.Lock()
	delete(p.active, h.ID)
	p.mu.Unlock()

	if err := p.manager.Destroy(ctx, h); err != nil {
		p.logger.Warn("destroy on release failed", "vm_id", h.ID, "error", err)
	}

	metrics.PoolActiveVMs.Set(float64(p.activeLen()))

	select {
	case p.releaseSignal <- struct{}{}:
	default:
	}
}

// Shutdown cancels the replenisher, destroys all warm handles, and awaits
// active handles up to ShutdownGracePeriod before force-destroying them
// (spec.md §4.2).
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	warm := p.warm
	p.warm = nil
	active := make([]*model.VMHandle, 0, len(p.active))
	for _, h := range p.active {
		active = append(active, h)
	}
	p.mu.Unlock()

	close(p.shutdownCh)
	<-p.doneCh

	for _, h := range warm {
		p.manager.Destroy(ctx, h)
	}

	p.awaitActiveDrain(ShutdownGracePeriod)

	for _, h := range active {
		if h.Status() != model.StatusDestroyed {
			p.manager.Destroy(context.Background(), h)
		}
	}
}

// awaitActiveDrain polls until no handle remains active or grace elapses,
// giving in-flight callers a chance to Release normally before Shutdown
// force-destroys whatever is left.
func (p *Pool) awaitActiveDrain(grace time.Duration) {
	deadline := time.Now().Add(grace)
	const pollInterval = 50 * time.Millisecond

	for time.Now().Before(deadline) {
		if p.activeLen() == 0 {
			return
		}
		time.Sleep(pollInterval)
	}
}

// replenishLoop wakes on a release signal, a periodic tick, or shutdown,
// and tops the warm queue back up to warm_target (spec.md §4.2).
func (p *Pool) replenishLoop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(ReplenishTick)
	defer ticker.Stop()

	backoff := backoffInitial

	for {
		select {
		case <-p.shutdownCh:
			return
		case <-p.releaseSignal:
		case <-ticker.C:
		}

		ok := p.replenishOnce()
		if ok {
			backoff = backoffInitial
			continue
		}

		metrics.PoolReplenishFailuresTotal.Inc()
		select {
		case <-time.After(backoff):
		case <-p.shutdownCh:
			return
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// replenishOnce creates at most (warm_target - |warm|) handles, respecting
// max_total, and returns false if any creation failed.
func (p *Pool) replenishOnce() bool {
	p.mu.Lock()
	need := p.cfg.WarmTarget - len(p.warm)
	room := p.cfg.MaxTotal - len(p.warm) - len(p.active)
	p.mu.Unlock()

	if need > room {
		need = room
	}
	if need <= 0 {
		return true
	}

	ok := true
	for i := 0; i < need; i++ {
		h, err := p.manager.Create(context.Background(), p.cfg.Size)
		if err != nil {
			p.logger.Warn("replenish create failed", "error", err)
			ok = false
			break
		}
		p.mu.Lock()
		p.warm = append(p.warm, h)
		p.mu.Unlock()
	}

	metrics.PoolWarmVMs.Set(float64(p.warmLen()))
	return ok
}

// Status reports the current warm and active counts alongside the
// configured max_total, for the pool-status API surface (SPEC_FULL.md §7).
func (p *Pool) Status() (warm, active, maxTotal int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warm), len(p.active), p.cfg.MaxTotal
}

func (p *Pool) warmLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warm)
}

func (p *Pool) activeLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}
