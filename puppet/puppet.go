// Package puppet links browser profiles to sock-puppet identities held in
// an external identity store, tracks usage sessions and activity, and
// audits fingerprint consistency between a profile and its puppet.
package puppet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/veilcrawl/veilcrawl/idgen"
)

// Error kinds.
var (
	ErrPuppetNotFound   = errors.New("puppet: sock puppet not found")
	ErrProfileNotFound  = errors.New("puppet: profile not found")
	ErrStoreUnavailable = errors.New("puppet: identity store unavailable")
)

// SockPuppet is one identity from the external store.
type SockPuppet struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Platform    string            `json:"platform,omitempty"`
	UserAgent   string            `json:"userAgent,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	RetrievedAt time.Time         `json:"retrievedAt"`
}

// Credentials are write-only fields pushed to the identity store.
type Credentials struct {
	Fields []CredentialField `json:"fields"`
}

// CredentialField is one secret attached to a puppet.
type CredentialField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Profile is a browser identity that can be linked to a puppet.
type Profile struct {
	ID        string            `json:"id"`
	Platform  string            `json:"platform,omitempty"`
	UserAgent string            `json:"userAgent,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Session is one usage window of a puppet-linked profile.
type Session struct {
	ID         string    `json:"id"`
	ProfileID  string    `json:"profileId"`
	PuppetID   string    `json:"puppetId,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
}

// Activity is one in-memory activity record.
type Activity struct {
	Type      string         `json:"type"`
	ProfileID string         `json:"profileId,omitempty"`
	PuppetID  string         `json:"puppetId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Config tunes the manager.
type Config struct {
	// BaseURL of the identity store, e.g. http://127.0.0.1:4021.
	BaseURL string
	// APIKey is sent as X-Api-Key on every request.
	APIKey string
	// CacheTimeout bounds how long puppet data is served from cache.
	CacheTimeout time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

func (c *Config) defaults() {
	if c.CacheTimeout <= 0 {
		c.CacheTimeout = 5 * time.Minute
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager is the sock-puppet integration point.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	cache    map[string]*SockPuppet
	profiles map[string]*Profile
	sessions map[string]*Session
	activity []Activity
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:      cfg,
		cache:    make(map[string]*SockPuppet),
		profiles: make(map[string]*Profile),
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) endpoint(parts ...string) string {
	return strings.TrimRight(m.cfg.BaseURL, "/") + "/api/v1/" + strings.Join(parts, "/")
}

func (m *Manager) doJSON(ctx context.Context, method, rawURL string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("puppet: request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if m.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", m.cfg.APIKey)
	}

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrPuppetNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("puppet: store returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("puppet: decode: %w", err)
	}
	return nil
}

// GetSockPuppet fetches one identity, serving from cache within
// CacheTimeout unless forceRefresh is set.
func (m *Manager) GetSockPuppet(ctx context.Context, id string, forceRefresh bool) (*SockPuppet, error) {
	m.mu.Lock()
	if sp, ok := m.cache[id]; ok && !forceRefresh && time.Since(sp.RetrievedAt) < m.cfg.CacheTimeout {
		out := *sp
		m.mu.Unlock()
		return &out, nil
	}
	m.mu.Unlock()

	var sp SockPuppet
	if err := m.doJSON(ctx, http.MethodGet, m.endpoint("entities", url.PathEscape(id)), nil, &sp); err != nil {
		return nil, err
	}
	sp.RetrievedAt = time.Now()

	m.mu.Lock()
	m.cache[id] = &sp
	m.mu.Unlock()

	m.record("puppet-fetched", "", id, map[string]any{"forceRefresh": forceRefresh})
	out := sp
	return &out, nil
}

// ListSockPuppets searches the store for sock-puppet entities.
func (m *Manager) ListSockPuppets(ctx context.Context, search string) ([]SockPuppet, error) {
	q := url.Values{"type": {"SOCK_PUPPET"}}
	if search != "" {
		q.Set("search", search)
	}
	var out []SockPuppet
	if err := m.doJSON(ctx, http.MethodGet, m.endpoint("entities")+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StoreCredentials pushes credential fields for a puppet.
func (m *Manager) StoreCredentials(ctx context.Context, puppetID string, creds Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("puppet: credentials: %w", err)
	}
	if err := m.doJSON(ctx, http.MethodPost, m.endpoint("entities", url.PathEscape(puppetID), "credentials"), strings.NewReader(string(raw)), nil); err != nil {
		return err
	}
	m.record("credentials-stored", "", puppetID, map[string]any{"fields": len(creds.Fields)})
	return nil
}

// RegisterProfile makes a browser profile known to the manager.
func (m *Manager) RegisterProfile(p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}
	m.profiles[p.ID] = &p
}

// GetProfile returns a profile copy.
func (m *Manager) GetProfile(id string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	out := *p
	out.Metadata = make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		out.Metadata[k] = v
	}
	return &out, nil
}

// LinkProfile binds a profile to a sock puppet, stamping the puppet id
// and name into the profile metadata.
func (m *Manager) LinkProfile(ctx context.Context, profileID, puppetID string) error {
	sp, err := m.GetSockPuppet(ctx, puppetID, false)
	if err != nil {
		return err
	}

	m.mu.Lock()
	p, ok := m.profiles[profileID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProfileNotFound, profileID)
	}
	p.Metadata["sockPuppetId"] = sp.ID
	p.Metadata["sockPuppetName"] = sp.Name
	m.mu.Unlock()

	m.record("profile-linked", profileID, puppetID, nil)
	return nil
}

// StartSession opens a usage session for a profile.
func (m *Manager) StartSession(profileID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[profileID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, profileID)
	}
	s := &Session{
		ID:        idgen.Prefixed("sess_", idgen.Default)(),
		ProfileID: profileID,
		PuppetID:  p.Metadata["sockPuppetId"],
		StartedAt: time.Now(),
	}
	m.sessions[s.ID] = s
	m.recordLocked("session-started", profileID, s.PuppetID, map[string]any{"sessionId": s.ID})
	out := *s
	return &out, nil
}

// EndSession closes a session and fixes its duration.
func (m *Manager) EndSession(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrProfileNotFound, sessionID)
	}
	if s.EndedAt.IsZero() {
		s.EndedAt = time.Now()
		s.DurationMs = s.EndedAt.Sub(s.StartedAt).Milliseconds()
		m.recordLocked("session-ended", s.ProfileID, s.PuppetID, map[string]any{"sessionId": s.ID, "durationMs": s.DurationMs})
	}
	out := *s
	return &out, nil
}

// Sessions lists sessions, newest last.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

// Activity returns the in-memory activity log, optionally filtered by type.
func (m *Manager) Activity(activityType string) []Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if activityType == "" {
		return append([]Activity(nil), m.activity...)
	}
	var out []Activity
	for _, a := range m.activity {
		if a.Type == activityType {
			out = append(out, a)
		}
	}
	return out
}

func (m *Manager) record(activityType, profileID, puppetID string, details map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordLocked(activityType, profileID, puppetID, details)
}

func (m *Manager) recordLocked(activityType, profileID, puppetID string, details map[string]any) {
	m.activity = append(m.activity, Activity{
		Type:      activityType,
		ProfileID: profileID,
		PuppetID:  puppetID,
		Details:   details,
		Timestamp: time.Now(),
	})
}

// FingerprintIssue is one consistency finding.
type FingerprintIssue struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// platformMarkers maps a claimed platform to substrings expected in a
// consistent user agent.
var platformMarkers = map[string][]string{
	"windows": {"Windows NT"},
	"macos":   {"Macintosh", "Mac OS X"},
	"linux":   {"X11", "Linux"},
	"android": {"Android"},
	"ios":     {"iPhone", "iPad"},
}

// CheckFingerprint flags mismatches between a profile's declared platform
// and its user-agent string.
func (m *Manager) CheckFingerprint(profileID string) ([]FingerprintIssue, error) {
	p, err := m.GetProfile(profileID)
	if err != nil {
		return nil, err
	}

	var issues []FingerprintIssue
	platform := strings.ToLower(p.Platform)
	markers, known := platformMarkers[platform]
	switch {
	case p.Platform == "" || p.UserAgent == "":
		issues = append(issues, FingerprintIssue{
			Kind:    "incomplete",
			Message: "profile is missing platform or userAgent",
		})
	case known:
		matched := false
		for _, marker := range markers {
			if strings.Contains(p.UserAgent, marker) {
				matched = true
				break
			}
		}
		if !matched {
			issues = append(issues, FingerprintIssue{
				Kind:    "platform-mismatch",
				Message: fmt.Sprintf("platform %q does not match user agent %q", p.Platform, p.UserAgent),
			})
		}
	default:
		issues = append(issues, FingerprintIssue{
			Kind:    "unknown-platform",
			Message: fmt.Sprintf("unrecognized platform %q", p.Platform),
		})
	}
	return issues, nil
}
