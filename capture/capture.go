// Package capture produces screenshots and derived artifacts from a page
// host: viewport, full-page, element, area and scrolling captures, diffing
// and stitching, highlight/blur overlays, OCR fan-out, and PDF export.
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veilcrawl/veilcrawl/pagehost"
)

// Error kinds.
var (
	ErrTimeout       = errors.New("capture: timeout")
	ErrMissingCoord  = errors.New("capture: area requires x, y, width and height")
	ErrEmptyInput    = errors.New("capture: empty input list")
	ErrUnknownPreset = errors.New("capture: unknown preset")
)

// Operation timeouts.
const (
	viewportTimeout = 30 * time.Second
	fullPageTimeout = 120 * time.Second
	compareTimeout  = 60 * time.Second
)

// Preset names a quality profile.
type Preset string

const (
	PresetForensic  Preset = "forensic"
	PresetWeb       Preset = "web"
	PresetThumbnail Preset = "thumbnail"
	PresetArchival  Preset = "archival"
)

// presetOptions maps presets to capture parameters.
var presetOptions = map[Preset]pagehost.CaptureOptions{
	PresetForensic:  {Format: "png", Quality: 100},
	PresetWeb:       {Format: "webp", Quality: 85},
	PresetThumbnail: {Format: "jpeg", Quality: 60},
	PresetArchival:  {Format: "png", Quality: 100},
}

// PresetOptions resolves a preset to capture options.
func PresetOptions(p Preset) (pagehost.CaptureOptions, error) {
	opts, ok := presetOptions[p]
	if !ok {
		return pagehost.CaptureOptions{}, fmt.Errorf("%w: %s", ErrUnknownPreset, p)
	}
	return opts, nil
}

// CaptureInfo is the page context recorded alongside a shot.
type CaptureInfo struct {
	UserAgent string            `json:"userAgent,omitempty"`
	URL       string            `json:"url,omitempty"`
	Title     string            `json:"title,omitempty"`
	Custom    map[string]string `json:"custom,omitempty"`
}

// Metadata enriches a capture for forensic use.
type Metadata struct {
	Hash        string      `json:"hash"` // SHA-256 over the image bytes
	Size        int         `json:"size"`
	Timestamp   time.Time   `json:"timestamp"`
	CaptureInfo CaptureInfo `json:"captureInfo"`
}

// Shot is one capture with its metadata.
type Shot struct {
	Data     []byte   `json:"-"`
	Format   string   `json:"format"`
	Metadata Metadata `json:"metadata"`
}

// Manager performs captures against page hosts.
type Manager struct {
	logger *slog.Logger
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

func (m *Manager) enrich(ctx context.Context, h pagehost.Host, data []byte, format string, custom map[string]string) *Shot {
	sum := sha256.Sum256(data)
	info := CaptureInfo{URL: h.URL(), Custom: custom}
	if title, err := h.Title(ctx); err == nil {
		info.Title = title
	}
	if raw, err := h.Evaluate(ctx, `navigator.userAgent`); err == nil {
		if ua, ok := raw.(string); ok {
			info.UserAgent = ua
		}
	}
	return &Shot{
		Data:   data,
		Format: format,
		Metadata: Metadata{
			Hash:        hex.EncodeToString(sum[:]),
			Size:        len(data),
			Timestamp:   time.Now(),
			CaptureInfo: info,
		},
	}
}

// mapTimeout converts a deadline error into ErrTimeout so callers can
// report the canonical "timeout" string.
func mapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// Viewport captures the visible viewport.
func (m *Manager) Viewport(ctx context.Context, h pagehost.Host, opts pagehost.CaptureOptions) (*Shot, error) {
	ctx, cancel := context.WithTimeout(ctx, viewportTimeout)
	defer cancel()

	data, err := h.Capture(ctx, opts)
	if err != nil {
		return nil, mapTimeout(fmt.Errorf("capture: viewport: %w", err))
	}
	return m.enrich(ctx, h, data, opts.Format, nil), nil
}

// FullPageOptions controls FullPage.
type FullPageOptions struct {
	ScrollDelay time.Duration
	MaxHeight   int
	Capture     pagehost.CaptureOptions
}

// FullPage captures the entire document. The host's native full-page
// capture is used; ScrollDelay is honored beforehand so lazy-loaded
// content below the fold has a chance to render.
func (m *Manager) FullPage(ctx context.Context, h pagehost.Host, opts FullPageOptions) (*Shot, error) {
	ctx, cancel := context.WithTimeout(ctx, fullPageTimeout)
	defer cancel()

	if opts.ScrollDelay > 0 {
		if err := m.scrollThrough(ctx, h, opts.ScrollDelay, opts.MaxHeight); err != nil {
			return nil, mapTimeout(err)
		}
	}
	capOpts := opts.Capture
	capOpts.FullPage = true
	data, err := h.Capture(ctx, capOpts)
	if err != nil {
		return nil, mapTimeout(fmt.Errorf("capture: full page: %w", err))
	}
	return m.enrich(ctx, h, data, capOpts.Format, map[string]string{"mode": "fullpage"}), nil
}

// scrollThrough walks the page to trigger lazy loading, then scrolls back.
func (m *Manager) scrollThrough(ctx context.Context, h pagehost.Host, delay time.Duration, maxHeight int) error {
	script := `window.scrollTo(0, document.documentElement.scrollHeight)`
	if maxHeight > 0 {
		script = fmt.Sprintf(`window.scrollTo(0, Math.min(%d, document.documentElement.scrollHeight))`, maxHeight)
	}
	if _, err := h.Evaluate(ctx, script); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}
	_, err := h.Evaluate(ctx, `window.scrollTo(0, 0)`)
	return err
}

// Element captures one element, optionally padded.
func (m *Manager) Element(ctx context.Context, h pagehost.Host, selector string, padding int, opts pagehost.CaptureOptions) (*Shot, error) {
	ctx, cancel := context.WithTimeout(ctx, viewportTimeout)
	defer cancel()

	capOpts := opts
	capOpts.Element = selector
	if padding > 0 {
		// Padding expands the element's box; resolved host-side.
		rect, err := elementRect(ctx, h, selector)
		if err != nil {
			return nil, mapTimeout(err)
		}
		capOpts.Element = ""
		capOpts.Area = &pagehost.Rect{
			X:      rect.X - padding,
			Y:      rect.Y - padding,
			Width:  rect.Width + 2*padding,
			Height: rect.Height + 2*padding,
		}
	}
	data, err := h.Capture(ctx, capOpts)
	if err != nil {
		return nil, mapTimeout(fmt.Errorf("capture: element %s: %w", selector, err))
	}
	return m.enrich(ctx, h, data, capOpts.Format, map[string]string{"selector": selector}), nil
}

const elementRectJS = `(sel) => {
	const el = document.querySelector(sel);
	if (!el) return null;
	const r = el.getBoundingClientRect();
	return {x: Math.round(r.x), y: Math.round(r.y), width: Math.round(r.width), height: Math.round(r.height)};
}`

func elementRect(ctx context.Context, h pagehost.Host, selector string) (*pagehost.Rect, error) {
	raw, err := h.Evaluate(ctx, elementRectJS, selector)
	if err != nil {
		return nil, err
	}
	box, ok := raw.(map[string]any)
	if !ok || box == nil {
		return nil, fmt.Errorf("capture: element %s not found", selector)
	}
	toInt := func(k string) int {
		if v, ok := box[k].(float64); ok {
			return int(v)
		}
		return 0
	}
	return &pagehost.Rect{X: toInt("x"), Y: toInt("y"), Width: toInt("width"), Height: toInt("height")}, nil
}

// AreaSpec is a capture region. All four coordinates are required.
type AreaSpec struct {
	X      *int `json:"x"`
	Y      *int `json:"y"`
	Width  *int `json:"width"`
	Height *int `json:"height"`
}

// Area captures a fixed region. Any missing coordinate is an error.
func (m *Manager) Area(ctx context.Context, h pagehost.Host, area AreaSpec, opts pagehost.CaptureOptions) (*Shot, error) {
	if area.X == nil || area.Y == nil || area.Width == nil || area.Height == nil {
		return nil, ErrMissingCoord
	}
	ctx, cancel := context.WithTimeout(ctx, viewportTimeout)
	defer cancel()

	capOpts := opts
	capOpts.Area = &pagehost.Rect{X: *area.X, Y: *area.Y, Width: *area.Width, Height: *area.Height}
	data, err := h.Capture(ctx, capOpts)
	if err != nil {
		return nil, mapTimeout(fmt.Errorf("capture: area: %w", err))
	}
	return m.enrich(ctx, h, data, capOpts.Format, map[string]string{"mode": "area"}), nil
}

// Scrolling captures a sequence of viewport shots while stepping down the
// page by step pixels with delay between steps.
func (m *Manager) Scrolling(ctx context.Context, h pagehost.Host, step int, delay time.Duration, opts pagehost.CaptureOptions) ([]*Shot, error) {
	ctx, cancel := context.WithTimeout(ctx, fullPageTimeout)
	defer cancel()

	if step <= 0 {
		step = 600
	}
	raw, err := h.Evaluate(ctx, `document.documentElement.scrollHeight`)
	if err != nil {
		return nil, mapTimeout(err)
	}
	total, _ := raw.(float64)
	if total <= 0 {
		total = float64(step)
	}

	var shots []*Shot
	for offset := 0; offset < int(total); offset += step {
		if _, err := h.Evaluate(ctx, fmt.Sprintf(`window.scrollTo(0, %d)`, offset)); err != nil {
			return shots, mapTimeout(err)
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return shots, ErrTimeout
			case <-time.After(delay):
			}
		}
		data, err := h.Capture(ctx, opts)
		if err != nil {
			return shots, mapTimeout(err)
		}
		shots = append(shots, m.enrich(ctx, h, data, opts.Format, map[string]string{
			"mode":   "scrolling",
			"offset": fmt.Sprint(offset),
		}))
	}
	_, _ = h.Evaluate(ctx, `window.scrollTo(0, 0)`)
	return shots, nil
}
