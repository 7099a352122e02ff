// Package cookiejar keeps multiple named, isolated cookie jars and moves
// cookies between them and the live browser context. Exactly one jar is
// active at a time; the default jar always exists and cannot be deleted.
package cookiejar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/veilcrawl/veilcrawl/events"
	"github.com/veilcrawl/veilcrawl/pagehost"
)

// DefaultJar is the jar every manager starts with.
const DefaultJar = "default"

// Error kinds.
var (
	ErrJarExists    = errors.New("cookiejar: jar already exists")
	ErrJarNotFound  = errors.New("cookiejar: jar not found")
	ErrDefaultJar   = errors.New("cookiejar: default jar cannot be deleted")
	ErrNoLiveStore  = errors.New("cookiejar: no live cookie store attached")
	ErrBadSyncMode  = errors.New("cookiejar: unknown sync mode")
	ErrBadImport    = errors.New("cookiejar: unrecognized import format")
	ErrBadExport    = errors.New("cookiejar: unknown export format")
)

// Live is the slice of the page host the jar manager needs.
// *pagehost.RodHost and *pagehost.Fake both satisfy it.
type Live interface {
	Cookies(ctx context.Context, filter pagehost.CookieFilter) ([]pagehost.Cookie, error)
	SetCookie(ctx context.Context, c pagehost.Cookie) error
	ClearCookies(ctx context.Context) error
}

// Jar is one named cookie set.
type Jar struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	Cookies     []pagehost.Cookie `json:"cookies"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// JarInfo is the listing view of a jar.
type JarInfo struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CookieCount int       `json:"cookieCount"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// HistoryAction tags a cookie history entry.
type HistoryAction string

const (
	ActionCreated  HistoryAction = "created"
	ActionModified HistoryAction = "modified"
	ActionDeleted  HistoryAction = "deleted"
)

// HistoryEntry is one append-only change record.
type HistoryEntry struct {
	Action    HistoryAction   `json:"action"`
	Cookie    pagehost.Cookie `json:"cookie"`
	Jar       string          `json:"jar"`
	Timestamp time.Time       `json:"timestamp"`
}

// HistoryFilter narrows GetHistory. Zero value matches everything.
type HistoryFilter struct {
	Action HistoryAction
	Domain string
}

// SwitchOptions controls SwitchJar.
type SwitchOptions struct {
	SaveCurrent bool `json:"saveCurrent"`
	LoadTarget  bool `json:"loadTarget"`
}

// SyncMode selects the sync algorithm.
type SyncMode string

const (
	SyncMerge   SyncMode = "merge"
	SyncReplace SyncMode = "replace"
)

// SyncOptions controls SyncJars.
type SyncOptions struct {
	Mode   SyncMode
	Filter func(pagehost.Cookie) bool
}

// SyncResult counts what a sync did.
type SyncResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Config tunes the manager.
type Config struct {
	MaxHistorySize int
	Logger         *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxHistorySize <= 0 {
		c.MaxHistorySize = 1000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the jars, the active-jar pointer, and the history ring.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	jars    map[string]*Jar
	active  string
	live    Live
	bus     *events.Bus
	history []HistoryEntry
}

// NewManager creates a Manager with the default jar active.
func NewManager(live Live, cfg Config, bus *events.Bus) *Manager {
	cfg.defaults()
	now := time.Now()
	m := &Manager{
		cfg:    cfg,
		jars:   map[string]*Jar{DefaultJar: {Name: DefaultJar, CreatedAt: now, UpdatedAt: now}},
		active: DefaultJar,
		live:   live,
		bus:    bus,
	}
	return m
}

// JarOptions are optional attributes for CreateJar.
type JarOptions struct {
	Description string
	Metadata    map[string]string
}

// CreateJar adds an empty jar. Duplicate names fail.
func (m *Manager) CreateJar(name string, opts JarOptions) (*JarInfo, error) {
	if name == "" {
		return nil, fmt.Errorf("cookiejar: jar name is required")
	}
	m.mu.Lock()
	if _, dup := m.jars[name]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJarExists, name)
	}
	now := time.Now()
	j := &Jar{Name: name, Description: opts.Description, Metadata: opts.Metadata, CreatedAt: now, UpdatedAt: now}
	m.jars[name] = j
	info := m.infoLocked(j)
	m.mu.Unlock()

	m.emit("jar:created", map[string]any{"name": name})
	return &info, nil
}

// DeleteJar removes a jar. The default jar is protected; deleting the
// active jar falls back to default.
func (m *Manager) DeleteJar(name string) error {
	if name == DefaultJar {
		return ErrDefaultJar
	}
	m.mu.Lock()
	if _, ok := m.jars[name]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJarNotFound, name)
	}
	delete(m.jars, name)
	if m.active == name {
		m.active = DefaultJar
	}
	m.mu.Unlock()

	m.emit("jar:deleted", map[string]any{"name": name})
	return nil
}

// ListJars returns all jars sorted by name.
func (m *Manager) ListJars() []JarInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JarInfo, 0, len(m.jars))
	for _, j := range m.jars {
		out = append(out, m.infoLocked(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (m *Manager) infoLocked(j *Jar) JarInfo {
	return JarInfo{
		Name:        j.Name,
		Description: j.Description,
		CookieCount: len(j.Cookies),
		Active:      m.active == j.Name,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

// ActiveJar returns the active jar's name.
func (m *Manager) ActiveJar() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// GetJar returns a snapshot copy of a jar.
func (m *Manager) GetJar(name string) (*Jar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jars[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJarNotFound, name)
	}
	out := *j
	out.Cookies = append([]pagehost.Cookie(nil), j.Cookies...)
	return &out, nil
}

// SwitchJar atomically changes the active jar: optionally snapshot the live
// cookies into the outgoing jar, then optionally clear the live store and
// apply the target jar's cookies.
func (m *Manager) SwitchJar(ctx context.Context, name string, opts SwitchOptions) error {
	if m.live == nil {
		return ErrNoLiveStore
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.jars[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJarNotFound, name)
	}
	from := m.active

	if opts.SaveCurrent {
		if err := m.snapshotLocked(ctx, m.jars[from]); err != nil {
			return fmt.Errorf("cookiejar: switch: save current: %w", err)
		}
	}
	m.active = name
	if opts.LoadTarget {
		if err := m.applyLocked(ctx, target); err != nil {
			// Switch already happened; the live store may be partially
			// loaded. Report the failure without rolling back active.
			return fmt.Errorf("cookiejar: switch: load target: %w", err)
		}
	}

	m.emit("jar:switched", map[string]any{"from": from, "to": name})
	return nil
}

// SaveToJar snapshots the live cookies into a named jar.
func (m *Manager) SaveToJar(ctx context.Context, name string) (int, error) {
	if m.live == nil {
		return 0, ErrNoLiveStore
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jars[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrJarNotFound, name)
	}
	if err := m.snapshotLocked(ctx, j); err != nil {
		return 0, err
	}
	m.emit("jar:saved", map[string]any{"name": name, "count": len(j.Cookies)})
	return len(j.Cookies), nil
}

// LoadFromJar clears the live store and applies a named jar's cookies.
func (m *Manager) LoadFromJar(ctx context.Context, name string) (int, error) {
	if m.live == nil {
		return 0, ErrNoLiveStore
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jars[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrJarNotFound, name)
	}
	if err := m.applyLocked(ctx, j); err != nil {
		return 0, err
	}
	m.emit("jar:loaded", map[string]any{"name": name, "count": len(j.Cookies)})
	return len(j.Cookies), nil
}

func (m *Manager) snapshotLocked(ctx context.Context, j *Jar) error {
	cookies, err := m.live.Cookies(ctx, pagehost.CookieFilter{})
	if err != nil {
		return err
	}
	j.Cookies = cookies
	j.UpdatedAt = time.Now()
	return nil
}

func (m *Manager) applyLocked(ctx context.Context, j *Jar) error {
	if err := m.live.ClearCookies(ctx); err != nil {
		return err
	}
	for _, c := range j.Cookies {
		if err := m.live.SetCookie(ctx, c); err != nil {
			return fmt.Errorf("set %s: %w", c.Name, err)
		}
	}
	return nil
}

func cookieKey(c pagehost.Cookie) string {
	return c.Name + "|" + c.Domain + "|" + c.Path
}

// SyncJars copies cookies from src into dst per the mode.
//
// merge upserts each filtered source cookie by (name,domain,path);
// replace swaps dst's entire set for the filtered source set.
func (m *Manager) SyncJars(src, dst string, opts SyncOptions) (*SyncResult, error) {
	if opts.Mode == "" {
		opts.Mode = SyncMerge
	}
	if opts.Mode != SyncMerge && opts.Mode != SyncReplace {
		return nil, fmt.Errorf("%w: %s", ErrBadSyncMode, opts.Mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.jars[src]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJarNotFound, src)
	}
	d, ok := m.jars[dst]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJarNotFound, dst)
	}

	res := &SyncResult{}
	var filtered []pagehost.Cookie
	for _, c := range s.Cookies {
		if opts.Filter != nil && !opts.Filter(c) {
			res.Skipped++
			continue
		}
		filtered = append(filtered, c)
	}

	switch opts.Mode {
	case SyncReplace:
		for _, c := range d.Cookies {
			m.recordLocked(ActionDeleted, dst, c)
		}
		d.Cookies = filtered
		for _, c := range filtered {
			m.recordLocked(ActionCreated, dst, c)
		}
		res.Added = len(filtered)
	case SyncMerge:
		index := make(map[string]int, len(d.Cookies))
		for i, c := range d.Cookies {
			index[cookieKey(c)] = i
		}
		for _, c := range filtered {
			if i, hit := index[cookieKey(c)]; hit {
				d.Cookies[i] = c
				res.Updated++
				m.recordLocked(ActionModified, dst, c)
			} else {
				d.Cookies = append(d.Cookies, c)
				index[cookieKey(c)] = len(d.Cookies) - 1
				res.Added++
				m.recordLocked(ActionCreated, dst, c)
			}
		}
	}
	d.UpdatedAt = time.Now()

	m.emit("jars:synced", map[string]any{
		"src": src, "dst": dst, "mode": string(opts.Mode),
		"added": res.Added, "updated": res.Updated, "skipped": res.Skipped,
	})
	return res, nil
}

// SetJarCookies replaces a jar's cookie set directly (import path).
func (m *Manager) SetJarCookies(name string, cookies []pagehost.Cookie) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jars[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJarNotFound, name)
	}
	j.Cookies = cookies
	j.UpdatedAt = time.Now()
	for _, c := range cookies {
		m.recordLocked(ActionCreated, name, c)
	}
	return nil
}

// recordLocked appends to the history ring, evicting the oldest entry
// when the ring is full. Caller holds mu.
func (m *Manager) recordLocked(action HistoryAction, jar string, c pagehost.Cookie) {
	m.history = append(m.history, HistoryEntry{Action: action, Cookie: c, Jar: jar, Timestamp: time.Now()})
	if len(m.history) > m.cfg.MaxHistorySize {
		m.history = m.history[len(m.history)-m.cfg.MaxHistorySize:]
	}
}

// GetHistory returns change records matching the filter, oldest first.
func (m *Manager) GetHistory(f HistoryFilter) []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HistoryEntry
	for _, e := range m.history {
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Domain != "" && !strings.Contains(e.Cookie.Domain, f.Domain) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (m *Manager) emit(kind string, data map[string]any) {
	if m.bus != nil {
		m.bus.Emit("cookiejar", kind, data)
	}
}
