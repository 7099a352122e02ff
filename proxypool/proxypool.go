// Package proxypool manages egress proxies: selection by rotation strategy,
// per-proxy health scoring, auto-blacklist with expiry, and per-minute rate
// limiting.
//
// Transient proxy failures never surface to callers as errors; they are
// absorbed by the status machine (healthy → degraded → unhealthy) and the
// next GetNextProxy simply skips unavailable entries.
package proxypool

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/veilcrawl/veilcrawl/events"
)

// Type is the proxy protocol.
type Type string

const (
	TypeHTTP   Type = "http"
	TypeHTTPS  Type = "https"
	TypeSOCKS4 Type = "socks4"
	TypeSOCKS5 Type = "socks5"
)

// Status is the proxy health state.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnhealthy   Status = "unhealthy"
	StatusBlacklisted Status = "blacklisted"
)

// Strategy is the rotation strategy (closed set).
type Strategy string

const (
	StrategyRoundRobin Strategy = "round-robin"
	StrategyRandom     Strategy = "random"
	StrategyLeastUsed  Strategy = "least-used"
	StrategyFastest    Strategy = "fastest"
	StrategyWeighted   Strategy = "weighted"
)

// Error kinds.
var (
	ErrProxyExists      = errors.New("proxypool: proxy already exists")
	ErrProxyNotFound    = errors.New("proxypool: proxy not found")
	ErrNoProxyAvailable = errors.New("proxypool: no proxy available")
	ErrBadStrategy      = errors.New("proxypool: unknown rotation strategy")
)

const responseHistoryCap = 100

// degradedThreshold and unhealthyThreshold are consecutive-failure counts.
const (
	degradedThreshold  = 3
	unhealthyThreshold = 5
)

// Proxy is one egress endpoint with its health bookkeeping.
type Proxy struct {
	ID       string   `json:"id"` // scheme://host:port
	Type     Type     `json:"type"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"-"`
	Country  string   `json:"country,omitempty"`
	Region   string   `json:"region,omitempty"`
	City     string   `json:"city,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Weight   int      `json:"weight"`

	Status              Status    `json:"status"`
	SuccessCount        int       `json:"successCount"`
	FailureCount        int       `json:"failureCount"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	BlacklistedUntil    time.Time `json:"blacklistedUntil,omitempty"`
	BlacklistReason     string    `json:"blacklistReason,omitempty"`
	AverageResponseTime float64   `json:"averageResponseTime"`

	MaxRequestsPerMinute int `json:"maxRequestsPerMinute,omitempty"`

	responseTimes     []float64
	requestTimestamps []time.Time
	lastError         string
}

// URL returns the proxy endpoint with credentials embedded when present.
func (p *Proxy) URL() string {
	if p.Username != "" {
		return fmt.Sprintf("%s://%s:%s@%s:%d", p.Type, p.Username, p.Password, p.Host, p.Port)
	}
	return fmt.Sprintf("%s://%s:%d", p.Type, p.Host, p.Port)
}

// SuccessRate is successCount/totalRequests, 1.0 when never used.
func (p *Proxy) SuccessRate() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 1.0
	}
	return float64(p.SuccessCount) / float64(total)
}

// rateLimited reports whether the proxy hit its per-minute cap.
func (p *Proxy) rateLimited(now time.Time) bool {
	if p.MaxRequestsPerMinute <= 0 {
		return false
	}
	cutoff := now.Add(-time.Minute)
	n := 0
	for _, ts := range p.requestTimestamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n >= p.MaxRequestsPerMinute
}

// available reports whether the proxy may be handed out.
func (p *Proxy) available(now time.Time) bool {
	if !p.BlacklistedUntil.IsZero() && now.Before(p.BlacklistedUntil) {
		return false
	}
	if p.Status == StatusBlacklisted && !now.Before(p.BlacklistedUntil) {
		// Expired blacklist: eligible again, demoted to degraded.
		p.Status = StatusDegraded
		p.ConsecutiveFailures = 0
	}
	if p.Status != StatusHealthy && p.Status != StatusDegraded {
		return false
	}
	return !p.rateLimited(now)
}

// Filter narrows proxy selection.
type Filter struct {
	Country         string   `json:"country,omitempty"`
	Type            Type     `json:"type,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	MinSuccessRate  float64  `json:"minSuccessRate,omitempty"`
	MaxResponseTime float64  `json:"maxResponseTime,omitempty"`
}

func (f *Filter) matches(p *Proxy) bool {
	if f == nil {
		return true
	}
	if f.Country != "" && !strings.EqualFold(f.Country, p.Country) {
		return false
	}
	if f.Type != "" && f.Type != p.Type {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range p.Tags {
			if want == have {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinSuccessRate > 0 && p.SuccessRate() < f.MinSuccessRate {
		return false
	}
	if f.MaxResponseTime > 0 && p.AverageResponseTime > f.MaxResponseTime {
		return false
	}
	return true
}

// Config holds pool-level settings.
type Config struct {
	Strategy Strategy
	// AutoBlacklist blacklists proxies that hit AutoBlacklistThreshold
	// consecutive failures for AutoBlacklistDuration.
	AutoBlacklist          bool
	AutoBlacklistThreshold int
	AutoBlacklistDuration  time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyRoundRobin
	}
	if c.AutoBlacklistThreshold <= 0 {
		c.AutoBlacklistThreshold = unhealthyThreshold
	}
	if c.AutoBlacklistDuration <= 0 {
		c.AutoBlacklistDuration = 10 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pool is the proxy pool.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	proxies  map[string]*Proxy
	order    []string // insertion order, round-robin cursor walks this
	rrCursor int
	bus      *events.Bus
	rng      *rand.Rand
}

// New creates a Pool.
func New(cfg Config, bus *events.Bus) *Pool {
	cfg.defaults()
	return &Pool{
		cfg:     cfg,
		proxies: make(map[string]*Proxy),
		bus:     bus,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddConfig is the caller-facing proxy definition.
type AddConfig struct {
	Type                 Type     `json:"type"`
	Host                 string   `json:"host"`
	Port                 int      `json:"port"`
	Username             string   `json:"username,omitempty"`
	Password             string   `json:"password,omitempty"`
	Country              string   `json:"country,omitempty"`
	Region               string   `json:"region,omitempty"`
	City                 string   `json:"city,omitempty"`
	Tags                 []string `json:"tags,omitempty"`
	Weight               int      `json:"weight,omitempty"`
	MaxRequestsPerMinute int      `json:"maxRequestsPerMinute,omitempty"`
}

// AddProxy registers a proxy. Duplicate ids are rejected.
func (pl *Pool) AddProxy(cfg AddConfig) (*Proxy, error) {
	if cfg.Type == "" {
		cfg.Type = TypeHTTP
	}
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("proxypool: host and port are required")
	}
	if cfg.Weight < 1 {
		cfg.Weight = 1
	}
	id := fmt.Sprintf("%s://%s:%d", cfg.Type, cfg.Host, cfg.Port)

	p := &Proxy{
		ID:                   id,
		Type:                 cfg.Type,
		Host:                 cfg.Host,
		Port:                 cfg.Port,
		Username:             cfg.Username,
		Password:             cfg.Password,
		Country:              cfg.Country,
		Region:               cfg.Region,
		City:                 cfg.City,
		Tags:                 cfg.Tags,
		Weight:               cfg.Weight,
		Status:               StatusHealthy,
		MaxRequestsPerMinute: cfg.MaxRequestsPerMinute,
	}

	pl.mu.Lock()
	if _, dup := pl.proxies[id]; dup {
		pl.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrProxyExists, id)
	}
	pl.proxies[id] = p
	pl.order = append(pl.order, id)
	pl.mu.Unlock()

	pl.emit("proxy:added", map[string]any{"id": id})
	out := *p
	return &out, nil
}

// RemoveProxy deletes a proxy by id.
func (pl *Pool) RemoveProxy(id string) error {
	pl.mu.Lock()
	if _, ok := pl.proxies[id]; !ok {
		pl.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProxyNotFound, id)
	}
	delete(pl.proxies, id)
	for i, oid := range pl.order {
		if oid == id {
			pl.order = append(pl.order[:i], pl.order[i+1:]...)
			break
		}
	}
	pl.mu.Unlock()

	pl.emit("proxy:removed", map[string]any{"id": id})
	return nil
}

// GetNextProxy selects an available proxy per the rotation strategy.
// The selection is recorded against the proxy's rate limit window.
func (pl *Pool) GetNextProxy(filter *Filter) (*Proxy, error) {
	now := time.Now()

	pl.mu.Lock()
	defer pl.mu.Unlock()

	var candidates []*Proxy
	for _, id := range pl.order {
		p := pl.proxies[id]
		if p.available(now) && filter.matches(p) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoProxyAvailable
	}

	var chosen *Proxy
	switch pl.cfg.Strategy {
	case StrategyRoundRobin:
		chosen = pl.roundRobinLocked(candidates)
	case StrategyRandom:
		chosen = candidates[pl.rng.Intn(len(candidates))]
	case StrategyLeastUsed:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].SuccessCount+candidates[i].FailureCount <
				candidates[j].SuccessCount+candidates[j].FailureCount
		})
		chosen = candidates[0]
	case StrategyFastest:
		chosen = pl.fastestLocked(candidates)
	case StrategyWeighted:
		chosen = pl.weightedLocked(candidates)
	default:
		chosen = pl.roundRobinLocked(candidates)
	}

	chosen.requestTimestamps = append(chosen.requestTimestamps, now)
	// Trim the window so timestamps do not grow unboundedly.
	cutoff := now.Add(-time.Minute)
	for len(chosen.requestTimestamps) > 0 && chosen.requestTimestamps[0].Before(cutoff) {
		chosen.requestTimestamps = chosen.requestTimestamps[1:]
	}

	out := *chosen
	return &out, nil
}

func (pl *Pool) roundRobinLocked(candidates []*Proxy) *Proxy {
	pl.rrCursor++
	return candidates[pl.rrCursor%len(candidates)]
}

func (pl *Pool) fastestLocked(candidates []*Proxy) *Proxy {
	var withData []*Proxy
	for _, p := range candidates {
		if len(p.responseTimes) > 0 {
			withData = append(withData, p)
		}
	}
	if len(withData) == 0 {
		// No latency data yet: fall back to random.
		return candidates[pl.rng.Intn(len(candidates))]
	}
	best := withData[0]
	for _, p := range withData[1:] {
		if p.AverageResponseTime < best.AverageResponseTime {
			best = p
		}
	}
	return best
}

func (pl *Pool) weightedLocked(candidates []*Proxy) *Proxy {
	total := 0
	for _, p := range candidates {
		total += p.Weight
	}
	draw := pl.rng.Intn(total)
	for _, p := range candidates {
		draw -= p.Weight
		if draw < 0 {
			return p
		}
	}
	return candidates[len(candidates)-1]
}

// SetRotationStrategy switches strategies at runtime.
func (pl *Pool) SetRotationStrategy(s Strategy) error {
	switch s {
	case StrategyRoundRobin, StrategyRandom, StrategyLeastUsed, StrategyFastest, StrategyWeighted:
	default:
		return fmt.Errorf("%w: %s", ErrBadStrategy, s)
	}
	pl.mu.Lock()
	pl.cfg.Strategy = s
	pl.mu.Unlock()
	pl.emit("strategy:changed", map[string]any{"strategy": string(s)})
	return nil
}

// RecordSuccess updates health bookkeeping after a successful use.
func (pl *Pool) RecordSuccess(id string, responseMs float64) error {
	pl.mu.Lock()
	p, ok := pl.proxies[id]
	if !ok {
		pl.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProxyNotFound, id)
	}
	p.SuccessCount++
	p.ConsecutiveFailures = 0
	p.lastError = ""

	p.responseTimes = append(p.responseTimes, responseMs)
	if len(p.responseTimes) > responseHistoryCap {
		p.responseTimes = p.responseTimes[len(p.responseTimes)-responseHistoryCap:]
	}
	sum := 0.0
	for _, rt := range p.responseTimes {
		sum += rt
	}
	p.AverageResponseTime = sum / float64(len(p.responseTimes))

	switch p.Status {
	case StatusUnhealthy:
		p.Status = StatusDegraded
	case StatusDegraded:
		if p.ConsecutiveFailures == 0 {
			p.Status = StatusHealthy
		}
	}
	pl.mu.Unlock()

	pl.emit("proxy:success", map[string]any{"id": id, "responseMs": responseMs})
	return nil
}

// RecordFailure updates health bookkeeping after a failed use, applying
// the degraded/unhealthy transitions and optional auto-blacklist.
func (pl *Pool) RecordFailure(id string, cause error) error {
	pl.mu.Lock()
	p, ok := pl.proxies[id]
	if !ok {
		pl.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProxyNotFound, id)
	}
	p.FailureCount++
	p.ConsecutiveFailures++
	if cause != nil {
		p.lastError = cause.Error()
	}

	if p.ConsecutiveFailures >= unhealthyThreshold {
		p.Status = StatusUnhealthy
	} else if p.ConsecutiveFailures >= degradedThreshold {
		p.Status = StatusDegraded
	}

	failures := p.ConsecutiveFailures
	autoBlacklist := pl.cfg.AutoBlacklist && failures >= pl.cfg.AutoBlacklistThreshold
	duration := pl.cfg.AutoBlacklistDuration
	pl.mu.Unlock()

	pl.emit("proxy:failure", map[string]any{"id": id, "consecutiveFailures": failures})

	if autoBlacklist {
		return pl.BlacklistProxy(id, duration, "auto: consecutive failures")
	}
	return nil
}

// BlacklistProxy marks a proxy unusable until the duration elapses.
func (pl *Pool) BlacklistProxy(id string, duration time.Duration, reason string) error {
	pl.mu.Lock()
	p, ok := pl.proxies[id]
	if !ok {
		pl.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProxyNotFound, id)
	}
	p.Status = StatusBlacklisted
	p.BlacklistedUntil = time.Now().Add(duration)
	p.BlacklistReason = reason
	pl.mu.Unlock()

	pl.cfg.Logger.Info("proxypool: blacklisted", "id", id, "duration", duration, "reason", reason)
	pl.emit("proxy:blacklisted", map[string]any{"id": id, "reason": reason, "durationMs": duration.Milliseconds()})
	return nil
}

// WhitelistProxy clears a blacklist and resets failures.
func (pl *Pool) WhitelistProxy(id string) error {
	pl.mu.Lock()
	p, ok := pl.proxies[id]
	if !ok {
		pl.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProxyNotFound, id)
	}
	p.Status = StatusHealthy
	p.BlacklistedUntil = time.Time{}
	p.BlacklistReason = ""
	p.ConsecutiveFailures = 0
	pl.mu.Unlock()

	pl.emit("proxy:whitelisted", map[string]any{"id": id})
	return nil
}

// GetProxy returns a snapshot copy of one proxy.
func (pl *Pool) GetProxy(id string) (*Proxy, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	p, ok := pl.proxies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProxyNotFound, id)
	}
	out := *p
	return &out, nil
}

// List returns snapshot copies of all proxies in insertion order.
func (pl *Pool) List() []Proxy {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	out := make([]Proxy, 0, len(pl.order))
	for _, id := range pl.order {
		out = append(out, *pl.proxies[id])
	}
	return out
}

// Clear removes every proxy.
func (pl *Pool) Clear() {
	pl.mu.Lock()
	pl.proxies = make(map[string]*Proxy)
	pl.order = nil
	pl.rrCursor = 0
	pl.mu.Unlock()
	pl.emit("pool:cleared", nil)
}

// Strategy returns the active rotation strategy.
func (pl *Pool) Strategy() Strategy {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.cfg.Strategy
}

func (pl *Pool) emit(kind string, data map[string]any) {
	if pl.bus != nil {
		pl.bus.Emit("proxy", kind, data)
	}
}
