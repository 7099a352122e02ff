// Package pool pre-warms, loans out, recycles and disposes Page Hosts.
//
// The pool is the sole owner of host lifecycle state. Acquire never blocks:
// an empty pool returns nil and counts a miss. Disposal is terminal and
// fire-and-forget; warmup failures count against pool health but never
// surface to callers.
package pool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/veilcrawl/veilcrawl/events"
	"github.com/veilcrawl/veilcrawl/pagehost"
)

// Factory creates a fresh Page Host for the pool.
type Factory func(ctx context.Context) (pagehost.Host, error)

// Config enumerates all pool tunables.
type Config struct {
	// MinPoolSize is the warm floor the pool maintains while running.
	MinPoolSize int
	// MaxPoolSize bounds available+acquired entries.
	MaxPoolSize int
	// WarmupDelay is the settle time before a warming host becomes available.
	WarmupDelay time.Duration
	// RecycleTimeout bounds a single recycle operation.
	RecycleTimeout time.Duration
	// HealthCheckInterval is the probe ticker period.
	HealthCheckInterval time.Duration
	// MaxIdleTime disposes entries idle longer than this, above MinPoolSize.
	MaxIdleTime time.Duration
	// MaxHealthFailures disposes an entry after this many consecutive
	// failed probes. Default 3.
	MaxHealthFailures int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MinPoolSize < 0 {
		c.MinPoolSize = 0
	}
	if c.MaxPoolSize < c.MinPoolSize {
		c.MaxPoolSize = c.MinPoolSize
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = 5
	}
	if c.WarmupDelay <= 0 {
		c.WarmupDelay = 100 * time.Millisecond
	}
	if c.RecycleTimeout <= 0 {
		c.RecycleTimeout = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 60 * time.Second
	}
	if c.MaxHealthFailures <= 0 {
		c.MaxHealthFailures = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// offScreen is where recycled windows are parked.
var offScreen = pagehost.Rect{X: -4000, Y: -4000, Width: 1280, Height: 800}

// onScreen is the bounds applied when a host is loaned out.
var onScreen = pagehost.Rect{X: 0, Y: 0, Width: 1280, Height: 800}

// entry wraps a host with pool bookkeeping.
type entry struct {
	host           pagehost.Host
	state          pagehost.State
	createdAt      time.Time
	lastUsed       time.Time
	healthFailures int
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Created        int `json:"created"`
	Acquired       int `json:"acquired"`
	Recycled       int `json:"recycled"`
	Disposed       int `json:"disposed"`
	AcquireMisses  int `json:"acquireMisses"`
	WarmupFailures int `json:"warmupFailures"`
}

// Status is the externally visible pool state.
type Status struct {
	Available int   `json:"available"`
	AcquiredN int   `json:"acquired"`
	Warming   int   `json:"warming"`
	Running   bool  `json:"running"`
	Stats     Stats `json:"stats"`
}

// Pool manages Page Host lifecycle.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	factory Factory
	bus     *events.Bus
	entries map[string]*entry
	stats   Stats
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Pool. Call Initialize to start warmup and health checks.
func New(cfg Config, factory Factory, bus *events.Bus) *Pool {
	cfg.defaults()
	return &Pool{
		cfg:     cfg,
		factory: factory,
		bus:     bus,
		entries: make(map[string]*entry),
	}
}

// Initialize starts the health-check ticker and asynchronously warms the
// pool to MinPoolSize.
func (p *Pool) Initialize(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	min := p.cfg.MinPoolSize
	p.mu.Unlock()

	p.wg.Add(1)
	go p.healthLoop(ctx)

	p.Warmup(ctx, min)
}

// Warmup asynchronously creates n hosts. Each enters warming, settles for
// WarmupDelay, then becomes available after a successful liveness probe.
func (p *Pool) Warmup(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.warmOne(ctx)
	}
}

func (p *Pool) warmOne(ctx context.Context) {
	defer p.wg.Done()

	p.mu.Lock()
	if !p.running || p.countLocked(pagehost.StateAvailable)+p.countLocked(pagehost.StateAcquired)+p.countLocked(pagehost.StateWarming) >= p.cfg.MaxPoolSize {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	host, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.stats.WarmupFailures++
		p.mu.Unlock()
		p.cfg.Logger.Warn("pool: warmup failed", "error", err)
		return
	}

	now := time.Now()
	e := &entry{host: host, state: pagehost.StateWarming, createdAt: now, lastUsed: now}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		host.Close()
		return
	}
	p.entries[host.ID()] = e
	p.stats.Created++
	delay := p.cfg.WarmupDelay
	p.mu.Unlock()

	select {
	case <-time.After(delay):
	case <-p.stopCh:
		return
	case <-ctx.Done():
		return
	}

	if !host.IsAlive() {
		p.disposeByID(host.ID())
		p.mu.Lock()
		p.stats.WarmupFailures++
		p.mu.Unlock()
		return
	}

	// Park off-screen until acquired.
	bctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	host.SetBounds(bctx, offScreen)
	host.SetVisible(bctx, false)
	cancel()

	p.mu.Lock()
	if e2, ok := p.entries[host.ID()]; ok && e2.state == pagehost.StateWarming {
		e2.state = pagehost.StateAvailable
		e2.lastUsed = time.Now()
	}
	p.mu.Unlock()

	p.emit("window-warmed", map[string]any{"hostId": host.ID()})
}

// Acquire hands out an available host, FIFO by lastUsed. Returns nil when
// the pool has nothing available; acquisition never blocks.
func (p *Pool) Acquire(ctx context.Context) pagehost.Host {
	p.mu.Lock()
	var candidates []*entry
	for _, e := range p.entries {
		if e.state == pagehost.StateAvailable {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		p.stats.AcquireMisses++
		p.mu.Unlock()
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})
	e := candidates[0]
	e.state = pagehost.StateAcquired
	e.lastUsed = time.Now()
	e.healthFailures = 0
	p.stats.Acquired++
	p.mu.Unlock()

	bctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	e.host.SetBounds(bctx, onScreen)
	e.host.SetVisible(bctx, true)
	cancel()

	p.emit("window-acquired", map[string]any{"hostId": e.host.ID()})
	return e.host
}

// Recycle returns a loaned host to the pool. Rejects nil and dead hosts.
// If the pool already holds MaxPoolSize available entries, the host is
// disposed instead.
func (p *Pool) Recycle(ctx context.Context, host pagehost.Host) bool {
	if host == nil {
		return false
	}
	if !host.IsAlive() {
		p.disposeByID(host.ID())
		return false
	}

	p.mu.Lock()
	e, ok := p.entries[host.ID()]
	if !ok || e.state == pagehost.StateDisposed {
		p.mu.Unlock()
		return false
	}
	if p.countLocked(pagehost.StateAvailable) >= p.cfg.MaxPoolSize {
		p.mu.Unlock()
		p.disposeByID(host.ID())
		return false
	}
	e.state = pagehost.StateRecycling
	timeout := p.cfg.RecycleTimeout
	p.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Reset: blank page, park off-screen, hide.
	if err := host.LoadURL(rctx, "about:blank", false); err != nil {
		p.cfg.Logger.Warn("pool: recycle blank navigation failed", "hostId", host.ID(), "error", err)
		p.disposeByID(host.ID())
		return false
	}
	host.SetBounds(rctx, offScreen)
	host.SetVisible(rctx, false)

	p.mu.Lock()
	if e.state != pagehost.StateRecycling {
		p.mu.Unlock()
		return false
	}
	e.state = pagehost.StateAvailable
	e.lastUsed = time.Now()
	e.healthFailures = 0
	p.stats.Recycled++
	p.mu.Unlock()

	p.emit("window-recycled", map[string]any{"hostId": host.ID()})
	return true
}

// Drain disposes every entry but keeps the pool running.
func (p *Pool) Drain(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.disposeByID(id)
	}
}

// Status reports a snapshot of the pool.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Available: p.countLocked(pagehost.StateAvailable),
		AcquiredN: p.countLocked(pagehost.StateAcquired),
		Warming:   p.countLocked(pagehost.StateWarming),
		Running:   p.running,
		Stats:     p.stats,
	}
}

// UpdateConfig replaces tunables at runtime. Sizes apply from the next
// warmup or health tick.
func (p *Pool) UpdateConfig(cfg Config) {
	cfg.defaults()
	p.mu.Lock()
	cfg.Logger = p.cfg.Logger
	p.cfg = cfg
	p.mu.Unlock()
}

// Cleanup stops tickers and disposes everything. Idempotent.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.Drain(context.Background())
	p.wg.Wait()
}

func (p *Pool) healthLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.healthTick(ctx)
		}
	}
}

func (p *Pool) healthTick(ctx context.Context) {
	p.mu.Lock()
	type probe struct {
		id   string
		host pagehost.Host
		idle time.Duration
	}
	var probes []probe
	for id, e := range p.entries {
		if e.state != pagehost.StateAvailable {
			continue
		}
		probes = append(probes, probe{id: id, host: e.host, idle: time.Since(e.lastUsed)})
	}
	maxIdle := p.cfg.MaxIdleTime
	minSize := p.cfg.MinPoolSize
	maxFail := p.cfg.MaxHealthFailures
	p.mu.Unlock()

	for _, pr := range probes {
		if !pr.host.IsAlive() {
			p.mu.Lock()
			e, ok := p.entries[pr.id]
			var failed int
			if ok {
				e.healthFailures++
				failed = e.healthFailures
			}
			p.mu.Unlock()
			if ok && failed >= maxFail {
				p.cfg.Logger.Warn("pool: disposing unhealthy host", "hostId", pr.id, "failures", failed)
				p.disposeByID(pr.id)
			}
			continue
		}

		p.mu.Lock()
		if e, ok := p.entries[pr.id]; ok {
			e.healthFailures = 0
		}
		surplus := p.countLocked(pagehost.StateAvailable) > minSize
		p.mu.Unlock()

		if pr.idle > maxIdle && surplus {
			p.cfg.Logger.Info("pool: disposing idle host", "hostId", pr.id, "idle", pr.idle)
			p.disposeByID(pr.id)
		}
	}

	// Refill to the warm floor.
	p.mu.Lock()
	deficit := minSize - p.countLocked(pagehost.StateAvailable) - p.countLocked(pagehost.StateWarming)
	running := p.running
	p.mu.Unlock()
	if running && deficit > 0 {
		p.Warmup(ctx, deficit)
	}
}

// disposeByID removes and closes an entry. Terminal and fire-and-forget.
func (p *Pool) disposeByID(id string) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.entries, id)
	e.state = pagehost.StateDisposed
	p.stats.Disposed++
	p.mu.Unlock()

	go e.host.Close()
	p.emit("window-disposed", map[string]any{"hostId": id})
}

func (p *Pool) countLocked(s pagehost.State) int {
	n := 0
	for _, e := range p.entries {
		if e.state == s {
			n++
		}
	}
	return n
}

func (p *Pool) emit(kind string, data map[string]any) {
	if p.bus != nil {
		p.bus.Emit("pool", kind, data)
	}
}
