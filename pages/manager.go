// Package pages enforces concurrency caps, per-domain politeness and
// resource-aware admission over a set of browser pages.
//
// Pages hold references to hosts loaned from the window pool; the pool
// keeps ownership. Navigation requests flow through a FIFO scheduler that
// caps concurrent navigations and spaces same-domain navigations by the
// profile's domain delay. Distinct domains navigate in parallel.
package pages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/veilcrawl/veilcrawl/events"
	"github.com/veilcrawl/veilcrawl/idgen"
	"github.com/veilcrawl/veilcrawl/pagehost"
)

// Error kinds surfaced by the manager.
var (
	ErrLimitExceeded     = errors.New("pages: concurrent page limit exceeded")
	ErrResourceExhausted = errors.New("pages: resource thresholds exceeded")
	ErrPageNotFound      = errors.New("pages: page not found")
	ErrShutdown          = errors.New("pages: manager is shut down")
	ErrPageGone          = errors.New("pages: page destroyed during operation")
	ErrNoHost            = errors.New("pages: no host available")
)

// HostSource loans a host for a new page. nil host with nil error is
// treated as ErrNoHost.
type HostSource func(ctx context.Context) (pagehost.Host, error)

// HostRelease returns a host when its page is destroyed.
type HostRelease func(ctx context.Context, h pagehost.Host)

// Page is one managed browser page.
type Page struct {
	ID       string         `json:"pageId"`
	URL      string         `json:"url"`
	Title    string         `json:"title"`
	Loading  bool           `json:"loading"`
	Created  time.Time      `json:"created"`
	Metadata map[string]any `json:"metadata,omitempty"`

	host   pagehost.Host
	ctx    context.Context
	cancel context.CancelFunc
}

// Host exposes the page's host for capture/form/recorder handlers.
func (p *Page) Host() pagehost.Host { return p.host }

// NavResult is the outcome of one navigation.
type NavResult struct {
	PageID   string        `json:"pageId"`
	URL      string        `json:"url"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Stats tracks manager counters.
type Stats struct {
	PagesCreated         int `json:"pagesCreated"`
	PagesDestroyed       int `json:"pagesDestroyed"`
	NavigationsCompleted int `json:"navigationsCompleted"`
	NavigationsFailed    int `json:"navigationsFailed"`
	RateLimitDelays      int `json:"rateLimitDelays"`
	QueuedNavigations    int `json:"queuedNavigations"`
}

type navRequest struct {
	pageID string
	url    string
	result chan NavResult
}

// Manager is the multi-page lifecycle coordinator.
type Manager struct {
	mu           sync.Mutex
	profile      Profile
	cfg          ProfileConfig
	source       HostSource
	release      HostRelease
	pages        map[string]*Page
	activeID     string
	queue        []*navRequest
	activeNavs   int
	lastNavStart time.Time
	domainLast   map[string]time.Time
	monitor      *resourceMonitor
	bus          *events.Bus
	logger       *slog.Logger
	stats        Stats
	down         bool
	downCh       chan struct{}
	newID        idgen.Generator
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithSampler injects a resource sampler (tests).
func WithSampler(s Sampler) Option {
	return func(m *Manager) { m.monitor.sample = s }
}

// WithIDGenerator sets a custom page ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(m *Manager) { m.newID = gen }
}

// NewManager creates a Manager for a profile. The resource monitor starts
// only when the profile enables monitoring.
func NewManager(ctx context.Context, profile Profile, source HostSource, release HostRelease, bus *events.Bus, opts ...Option) *Manager {
	cfg := ProfileFor(profile)
	m := &Manager{
		profile:    profile,
		cfg:        cfg,
		source:     source,
		release:    release,
		pages:      make(map[string]*Page),
		domainLast: make(map[string]time.Time),
		monitor:    newResourceMonitor(cfg, nil, bus),
		bus:        bus,
		logger:     slog.Default(),
		downCh:     make(chan struct{}),
		newID:      idgen.Prefixed("page_", idgen.Default),
	}
	for _, o := range opts {
		o(m)
	}
	m.monitor.start(ctx, 5*time.Second)
	return m
}

// Profile returns the active profile name.
func (m *Manager) Profile() Profile { return m.profile }

// Healthy reports resource health (always true when monitoring is off).
func (m *Manager) Healthy() bool { return m.monitor.healthy() }

// MonitorStats returns a snapshot of resource monitor counters.
func (m *Manager) MonitorStats() MonitorStats { return m.monitor.snapshot() }

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// CreatePage admits a new page. Fails with ErrLimitExceeded at the page cap
// and ErrResourceExhausted when the monitor reports unhealthy. The first
// page created becomes the active page.
func (m *Manager) CreatePage(ctx context.Context, metadata map[string]any) (string, error) {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return "", ErrShutdown
	}
	if len(m.pages) >= m.cfg.MaxConcurrentPages {
		m.mu.Unlock()
		return "", fmt.Errorf("%w (max %d)", ErrLimitExceeded, m.cfg.MaxConcurrentPages)
	}
	m.mu.Unlock()

	if !m.monitor.healthy() {
		return "", ErrResourceExhausted
	}

	host, err := m.source(ctx)
	if err != nil {
		return "", fmt.Errorf("pages: acquire host: %w", err)
	}
	if host == nil {
		return "", ErrNoHost
	}

	pctx, cancel := context.WithCancel(context.Background())
	p := &Page{
		ID:       m.newID(),
		Created:  time.Now(),
		Metadata: metadata,
		host:     host,
		ctx:      pctx,
		cancel:   cancel,
	}

	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		cancel()
		m.release(ctx, host)
		return "", ErrShutdown
	}
	m.pages[p.ID] = p
	if m.activeID == "" {
		m.activeID = p.ID
	}
	m.stats.PagesCreated++
	m.mu.Unlock()

	m.emit("page-created", map[string]any{"pageId": p.ID})
	return p.ID, nil
}

// DestroyPage cancels in-flight work on the page and returns its host.
func (m *Manager) DestroyPage(ctx context.Context, pageID string) error {
	m.mu.Lock()
	p, ok := m.pages[pageID]
	if !ok {
		m.mu.Unlock()
		return ErrPageNotFound
	}
	delete(m.pages, pageID)
	if m.activeID == pageID {
		m.activeID = ""
		for id := range m.pages {
			m.activeID = id
			break
		}
	}
	m.stats.PagesDestroyed++
	// Drop queued navigations for this page; in-flight ones observe the
	// cancelled page context and resolve with ErrPageGone.
	kept := m.queue[:0]
	var dropped []*navRequest
	for _, req := range m.queue {
		if req.pageID == pageID {
			dropped = append(dropped, req)
		} else {
			kept = append(kept, req)
		}
	}
	m.queue = kept
	m.mu.Unlock()

	p.cancel()
	for _, req := range dropped {
		req.result <- NavResult{PageID: pageID, URL: req.url, Success: false, Error: ErrPageGone.Error()}
	}
	m.release(ctx, p.host)
	m.emit("page-destroyed", map[string]any{"pageId": pageID})
	return nil
}

// SetActivePage marks a page active.
func (m *Manager) SetActivePage(pageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pages[pageID]; !ok {
		return ErrPageNotFound
	}
	m.activeID = pageID
	return nil
}

// ActivePage returns the active page id, or empty.
func (m *Manager) ActivePage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// ListPages returns snapshot copies of all pages.
func (m *Manager) ListPages() []Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Page, 0, len(m.pages))
	for _, p := range m.pages {
		out = append(out, *p)
	}
	return out
}

// GetPage returns a snapshot copy of one page.
func (m *Manager) GetPage(pageID string) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[pageID]
	if !ok {
		return Page{}, ErrPageNotFound
	}
	return *p, nil
}

// CloseAllPages destroys every page.
func (m *Manager) CloseAllPages(ctx context.Context) {
	for _, p := range m.ListPages() {
		m.DestroyPage(ctx, p.ID)
	}
}

// CloseOtherPages destroys every page not in keep.
func (m *Manager) CloseOtherPages(ctx context.Context, keep []string) {
	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}
	for _, p := range m.ListPages() {
		if !keepSet[p.ID] {
			m.DestroyPage(ctx, p.ID)
		}
	}
}

// NavigatePage schedules a navigation and blocks until it resolves.
// Same-domain navigations are sequential with the profile's domain delay;
// distinct domains run concurrently up to MaxConcurrentNavigations.
func (m *Manager) NavigatePage(ctx context.Context, pageID, rawURL string) (NavResult, error) {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return NavResult{}, ErrShutdown
	}
	if _, ok := m.pages[pageID]; !ok {
		m.mu.Unlock()
		return NavResult{}, ErrPageNotFound
	}

	req := &navRequest{pageID: pageID, url: rawURL, result: make(chan NavResult, 1)}
	if m.activeNavs < m.cfg.MaxConcurrentNavigations {
		m.activeNavs++
		go m.runNav(req)
	} else {
		m.queue = append(m.queue, req)
		m.stats.QueuedNavigations++
	}
	m.mu.Unlock()

	select {
	case res := <-req.result:
		return res, nil
	case <-ctx.Done():
		return NavResult{}, ctx.Err()
	}
}

func (m *Manager) runNav(req *navRequest) {
	res := m.executeNav(req)

	m.mu.Lock()
	m.activeNavs--
	var next *navRequest
	if !m.down && len(m.queue) > 0 {
		next = m.queue[0]
		m.queue = m.queue[1:]
		m.activeNavs++
	}
	m.mu.Unlock()

	req.result <- res
	if next != nil {
		go m.runNav(next)
	}
}

func (m *Manager) executeNav(req *navRequest) NavResult {
	start := time.Now()
	fail := func(err error) NavResult {
		m.mu.Lock()
		m.stats.NavigationsFailed++
		m.mu.Unlock()
		return NavResult{PageID: req.pageID, URL: req.url, Success: false,
			Error: err.Error(), Duration: time.Since(start)}
	}

	m.mu.Lock()
	p, ok := m.pages[req.pageID]
	if !ok {
		m.mu.Unlock()
		return fail(ErrPageGone)
	}
	domain := domainOf(req.url)
	wait := m.domainWaitLocked(domain)
	minWait := m.minNavWaitLocked()
	if minWait > wait {
		wait = minWait
	}
	if wait > 0 {
		m.stats.RateLimitDelays++
	}
	// Reserve the slot now, while the lock is held: the stamp is the
	// expected start time, so same-domain navigations admitted together
	// still serialize instead of all observing wait == 0.
	startAt := time.Now().Add(wait)
	m.domainLast[domain] = startAt
	m.lastNavStart = startAt
	m.mu.Unlock()

	if wait > 0 {
		m.emit("rate-limit-delay", map[string]any{"domain": domain, "delay": wait.Milliseconds()})
		select {
		case <-time.After(wait):
		case <-p.ctx.Done():
			return fail(ErrPageGone)
		case <-m.downCh:
			return fail(ErrShutdown)
		}
	}

	m.mu.Lock()
	p.Loading = true
	timeout := m.cfg.NavigationTimeout
	m.mu.Unlock()

	navCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	err := p.host.LoadURL(navCtx, req.url, true)

	m.mu.Lock()
	p.Loading = false
	m.mu.Unlock()

	if p.ctx.Err() != nil {
		return fail(ErrPageGone)
	}
	if err != nil {
		return fail(err)
	}

	title, _ := p.host.Title(navCtx)
	m.mu.Lock()
	p.URL = req.url
	p.Title = title
	m.stats.NavigationsCompleted++
	m.mu.Unlock()

	return NavResult{PageID: req.pageID, URL: req.url, Success: true, Duration: time.Since(start)}
}

// domainWaitLocked returns how long a navigation to domain must wait to
// respect the per-domain delay. domainLast may hold a reserved start time
// in the future; a negative elapsed then extends the wait past one full
// delay, which keeps reservations strictly ordered. Caller holds m.mu.
func (m *Manager) domainWaitLocked(domain string) time.Duration {
	if m.cfg.DomainRateLimitDelay <= 0 {
		return 0
	}
	last, ok := m.domainLast[domain]
	if !ok {
		return 0
	}
	elapsed := time.Since(last)
	if elapsed >= m.cfg.DomainRateLimitDelay {
		return 0
	}
	return m.cfg.DomainRateLimitDelay - elapsed
}

func (m *Manager) minNavWaitLocked() time.Duration {
	if m.cfg.MinNavDelay <= 0 || m.lastNavStart.IsZero() {
		return 0
	}
	elapsed := time.Since(m.lastNavStart)
	if elapsed >= m.cfg.MinNavDelay {
		return 0
	}
	return m.cfg.MinNavDelay - elapsed
}

// ExecuteOnPage evaluates JS on a page.
func (m *Manager) ExecuteOnPage(ctx context.Context, pageID, code string, args ...any) (any, error) {
	m.mu.Lock()
	p, ok := m.pages[pageID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrPageNotFound
	}
	return p.host.Evaluate(ctx, code, args...)
}

// PageScreenshot captures the page viewport.
func (m *Manager) PageScreenshot(ctx context.Context, pageID string) ([]byte, error) {
	m.mu.Lock()
	p, ok := m.pages[pageID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrPageNotFound
	}
	return p.host.Capture(ctx, pagehost.CaptureOptions{})
}

// PageHost returns the host behind a page for capture/form handlers.
func (m *Manager) PageHost(pageID string) (pagehost.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[pageID]
	if !ok {
		return nil, ErrPageNotFound
	}
	return p.host, nil
}

// UpdateConfig swaps the profile configuration at runtime.
func (m *Manager) UpdateConfig(cfg ProfileConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Shutdown drains pages, rejects queued navigations with ErrShutdown and
// clears rate-limiter state. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return
	}
	m.down = true
	close(m.downCh)
	queued := m.queue
	m.queue = nil
	m.domainLast = make(map[string]time.Time)
	m.mu.Unlock()

	for _, req := range queued {
		req.result <- NavResult{PageID: req.pageID, URL: req.url, Success: false, Error: ErrShutdown.Error()}
	}
	m.CloseAllPages(ctx)
	m.monitor.close()
}

func (m *Manager) emit(kind string, data map[string]any) {
	if m.bus != nil {
		m.bus.Emit("pages", kind, data)
	}
}

// domainOf extracts the host (without port) from a URL for rate limiting.
func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	// Hostname strips the port and unbrackets IPv6 literals.
	return u.Hostname()
}
