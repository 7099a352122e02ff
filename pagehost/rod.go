package pagehost

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/veilcrawl/veilcrawl/idgen"
)

// RodHost is the go-rod implementation of Host. One RodHost wraps one
// Chrome page (target) created with stealth patches.
type RodHost struct {
	id    string
	page  *rod.Page
	queue *cmdQueue

	mu      sync.RWMutex
	url     string
	closed  bool
	events  chan Event
	evStop  context.CancelFunc
	logger  *slog.Logger
	profile string
}

// NewRodHost creates a stealth page on the launcher's browser and starts
// its event pump. The returned host is blank (about:blank).
func NewRodHost(ctx context.Context, l *Launcher, logger *slog.Logger) (*RodHost, error) {
	b := l.Browser()
	if b == nil {
		return nil, fmt.Errorf("pagehost: launcher not started")
	}
	if logger == nil {
		logger = slog.Default()
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("pagehost: create stealth page: %w", err)
	}

	if len(l.cfg.ResourceBlocking) > 0 {
		if err := applyResourceBlocking(page, l.cfg.ResourceBlocking); err != nil {
			logger.Warn("pagehost: resource blocking failed", "error", err)
		}
	}

	h := &RodHost{
		id:     idgen.Prefixed("host_", idgen.Default)(),
		page:   page,
		queue:  newCmdQueue(64),
		events: make(chan Event, 128),
		logger: logger,
	}
	h.startEventPump()
	return h, nil
}

// ID implements Host.
func (h *RodHost) ID() string { return h.id }

// SetProfile tags the host with a browser profile id (sock-puppet linkage).
func (h *RodHost) SetProfile(id string) {
	h.mu.Lock()
	h.profile = id
	h.mu.Unlock()
}

// Profile returns the linked profile id, if any.
func (h *RodHost) Profile() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.profile
}

// LoadURL implements Host.
func (h *RodHost) LoadURL(ctx context.Context, url string, waitForLoad bool) error {
	var navErr error
	err := h.queue.do(ctx, func() {
		p := h.page.Context(ctx)
		if navErr = p.Navigate(url); navErr != nil {
			navErr = fmt.Errorf("pagehost: navigate %s: %w", url, navErr)
			h.emit(Event{Kind: EventDidFailLoad, URL: url, Err: navErr})
			return
		}
		h.mu.Lock()
		h.url = url
		h.mu.Unlock()
		if waitForLoad {
			if werr := p.WaitLoad(); werr != nil {
				navErr = fmt.Errorf("pagehost: wait load %s: %w", url, werr)
				h.emit(Event{Kind: EventDidFailLoad, URL: url, Err: navErr})
			}
		}
	})
	if err != nil {
		return err
	}
	return navErr
}

// Evaluate implements Host. code must be a JS function expression,
// e.g. "() => document.title" or "(a, b) => a + b".
func (h *RodHost) Evaluate(ctx context.Context, code string, args ...any) (any, error) {
	var (
		value   any
		evalErr error
	)
	err := h.queue.do(ctx, func() {
		res, e := h.page.Context(ctx).Eval(code, args...)
		if e != nil {
			evalErr = fmt.Errorf("pagehost: evaluate: %w", e)
			return
		}
		value = res.Value.Val()
	})
	if err != nil {
		return nil, err
	}
	return value, evalErr
}

// Capture implements Host.
func (h *RodHost) Capture(ctx context.Context, opts CaptureOptions) ([]byte, error) {
	format := proto.PageCaptureScreenshotFormatPng
	switch strings.ToLower(opts.Format) {
	case "jpeg", "jpg":
		format = proto.PageCaptureScreenshotFormatJpeg
	case "webp":
		format = proto.PageCaptureScreenshotFormatWebp
	}

	var (
		data    []byte
		capErr  error
		quality *int
	)
	if opts.Quality > 0 && format != proto.PageCaptureScreenshotFormatPng {
		q := opts.Quality
		quality = &q
	}

	err := h.queue.do(ctx, func() {
		p := h.page.Context(ctx)

		if opts.Element != "" {
			el, e := p.Element(opts.Element)
			if e != nil {
				capErr = fmt.Errorf("pagehost: capture element %q: %w", opts.Element, e)
				return
			}
			q := 0
			if quality != nil {
				q = *quality
			}
			data, capErr = el.Screenshot(format, q)
			return
		}

		req := &proto.PageCaptureScreenshot{Format: format, Quality: quality}
		if opts.Area != nil {
			req.Clip = &proto.PageViewport{
				X:      float64(opts.Area.X),
				Y:      float64(opts.Area.Y),
				Width:  float64(opts.Area.Width),
				Height: float64(opts.Area.Height),
				Scale:  1,
			}
		}
		data, capErr = p.Screenshot(opts.FullPage, req)
	})
	if err != nil {
		return nil, err
	}
	return data, capErr
}

// PrintPDF implements Host.
func (h *RodHost) PrintPDF(ctx context.Context) ([]byte, error) {
	var (
		data   []byte
		pdfErr error
	)
	err := h.queue.do(ctx, func() {
		r, e := h.page.Context(ctx).PDF(&proto.PagePrintToPDF{})
		if e != nil {
			pdfErr = fmt.Errorf("pagehost: print pdf: %w", e)
			return
		}
		data, pdfErr = io.ReadAll(r)
	})
	if err != nil {
		return nil, err
	}
	return data, pdfErr
}

// Cookies implements Host.
func (h *RodHost) Cookies(ctx context.Context, filter CookieFilter) ([]Cookie, error) {
	var (
		out     []Cookie
		cookErr error
	)
	err := h.queue.do(ctx, func() {
		var urls []string
		if filter.URL != "" {
			urls = []string{filter.URL}
		}
		raw, e := h.page.Context(ctx).Cookies(urls)
		if e != nil {
			cookErr = fmt.Errorf("pagehost: get cookies: %w", e)
			return
		}
		for _, c := range raw {
			if filter.Name != "" && c.Name != filter.Name {
				continue
			}
			if filter.Domain != "" && !strings.HasSuffix(c.Domain, filter.Domain) {
				continue
			}
			out = append(out, fromNetworkCookie(c))
		}
	})
	if err != nil {
		return nil, err
	}
	return out, cookErr
}

// SetCookie implements Host.
func (h *RodHost) SetCookie(ctx context.Context, c Cookie) error {
	var setErr error
	err := h.queue.do(ctx, func() {
		setErr = h.page.Context(ctx).SetCookies([]*proto.NetworkCookieParam{toCookieParam(c)})
	})
	if err != nil {
		return err
	}
	if setErr != nil {
		return fmt.Errorf("pagehost: set cookie %q: %w", c.Name, setErr)
	}
	return nil
}

// RemoveCookie implements Host.
func (h *RodHost) RemoveCookie(ctx context.Context, url, name string) error {
	var rmErr error
	err := h.queue.do(ctx, func() {
		rmErr = proto.NetworkDeleteCookies{Name: name, URL: url}.Call(h.page.Context(ctx))
	})
	if err != nil {
		return err
	}
	if rmErr != nil {
		return fmt.Errorf("pagehost: remove cookie %q: %w", name, rmErr)
	}
	return nil
}

// ClearCookies implements Host.
func (h *RodHost) ClearCookies(ctx context.Context) error {
	var clrErr error
	err := h.queue.do(ctx, func() {
		clrErr = proto.NetworkClearBrowserCookies{}.Call(h.page.Context(ctx))
	})
	if err != nil {
		return err
	}
	if clrErr != nil {
		return fmt.Errorf("pagehost: clear cookies: %w", clrErr)
	}
	return nil
}

// URL implements Host.
func (h *RodHost) URL() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.url
}

// Title implements Host.
func (h *RodHost) Title(ctx context.Context) (string, error) {
	var (
		title    string
		titleErr error
	)
	err := h.queue.do(ctx, func() {
		info, e := h.page.Context(ctx).Info()
		if e != nil {
			titleErr = fmt.Errorf("pagehost: page info: %w", e)
			return
		}
		title = info.Title
	})
	if err != nil {
		return "", err
	}
	return title, titleErr
}

// SetBounds implements Host.
func (h *RodHost) SetBounds(ctx context.Context, r Rect) error {
	var bErr error
	err := h.queue.do(ctx, func() {
		left, top, w, ht := r.X, r.Y, r.Width, r.Height
		bErr = h.page.Context(ctx).SetWindow(&proto.BrowserBounds{
			Left:   &left,
			Top:    &top,
			Width:  &w,
			Height: &ht,
		})
	})
	if err != nil {
		return err
	}
	return bErr
}

// SetVisible implements Host. Headless Chrome has no real window; minimizing
// is the closest equivalent and is what the pool uses to park idle hosts.
func (h *RodHost) SetVisible(ctx context.Context, visible bool) error {
	state := proto.BrowserWindowStateMinimized
	if visible {
		state = proto.BrowserWindowStateNormal
	}
	var vErr error
	err := h.queue.do(ctx, func() {
		vErr = h.page.Context(ctx).SetWindow(&proto.BrowserBounds{WindowState: state})
	})
	if err != nil {
		return err
	}
	return vErr
}

// Events implements Host.
func (h *RodHost) Events() <-chan Event { return h.events }

// IsAlive implements Host. Probes the context with a trivial eval.
func (h *RodHost) IsAlive() bool {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.Evaluate(ctx, `() => true`)
	return err == nil
}

// QueueDepth implements Host.
func (h *RodHost) QueueDepth() int { return h.queue.len() }

// Close implements Host. Safe to call more than once.
func (h *RodHost) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	stop := h.evStop
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
	h.queue.close()
	err := h.page.Close()
	// h.events stays open: cancelling the pump context does not join the
	// EachEvent goroutine, so a handler past emit's closed check could
	// still be sending. Late events are dropped by the closed flag.
	if err != nil {
		return fmt.Errorf("pagehost: close: %w", err)
	}
	return nil
}

// startEventPump subscribes to CDP navigation events and republishes them
// on the host's event channel.
func (h *RodHost) startEventPump() {
	ctx, cancel := context.WithCancel(context.Background())
	h.evStop = cancel

	p := h.page.Context(ctx)
	go p.EachEvent(
		func(e *proto.PageFrameStartedLoading) {
			h.emit(Event{Kind: EventDidStartLoading, URL: h.URL()})
		},
		func(e *proto.PageFrameNavigated) {
			h.mu.Lock()
			h.url = e.Frame.URL
			h.mu.Unlock()
			h.emit(Event{Kind: EventDidNavigate, URL: e.Frame.URL})
		},
		func(e *proto.PageLoadEventFired) {
			h.emit(Event{Kind: EventDidFinishLoad, URL: h.URL()})
		},
		func(e *proto.PageScreencastFrame) {
			h.emit(Event{Kind: EventPaint, URL: h.URL(), Buffer: e.Data})
		},
	)()
}

// emit pushes an event without blocking; a full buffer drops the event.
func (h *RodHost) emit(ev Event) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return
	}
	ev.Time = time.Now()
	select {
	case h.events <- ev:
	default:
		h.logger.Debug("pagehost: event buffer full, dropped", "kind", ev.Kind)
	}
}

func fromNetworkCookie(c *proto.NetworkCookie) Cookie {
	out := Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	switch c.SameSite {
	case proto.NetworkCookieSameSiteStrict:
		out.SameSite = "strict"
	case proto.NetworkCookieSameSiteLax:
		out.SameSite = "lax"
	case proto.NetworkCookieSameSiteNone:
		out.SameSite = "no_restriction"
	}
	if c.Expires > 0 {
		out.ExpirationDate = float64(c.Expires)
	}
	return out
}

func toCookieParam(c Cookie) *proto.NetworkCookieParam {
	p := &proto.NetworkCookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	switch c.SameSite {
	case "strict":
		p.SameSite = proto.NetworkCookieSameSiteStrict
	case "lax":
		p.SameSite = proto.NetworkCookieSameSiteLax
	case "no_restriction":
		p.SameSite = proto.NetworkCookieSameSiteNone
	}
	if c.ExpirationDate > 0 {
		p.Expires = proto.TimeSinceEpoch(c.ExpirationDate)
	}
	return p
}
