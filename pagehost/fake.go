package pagehost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veilcrawl/veilcrawl/idgen"
)

// Fake is an in-memory Host used by tests across the module. It is the
// single seam that replaces the browser runtime: navigation is immediate
// (or scripted), evaluate results come from a hook, cookies live in a map.
//
// All fields prefixed with On* are optional hooks; nil hooks take the
// default behaviour described per method.
type Fake struct {
	// OnEvaluate, when set, supplies Evaluate results keyed by the code
	// string. Return (nil, nil) to fall back to the default (nil result).
	OnEvaluate func(code string, args ...any) (any, error)
	// OnLoadURL, when set, can fail or delay navigations.
	OnLoadURL func(url string) error
	// OnCapture, when set, supplies screenshot bytes.
	OnCapture func(opts CaptureOptions) ([]byte, error)
	// AliveResult is returned by IsAlive. Defaults to true until Close.
	AliveResult bool

	id     string
	mu     sync.Mutex
	url    string
	title  string
	cookie map[string]Cookie // keyed by name|domain|path
	closed bool
	events chan Event

	// Calls records method invocations in order, for assertions.
	Calls []string
}

// NewFake creates a live Fake host.
func NewFake() *Fake {
	return &Fake{
		id:          idgen.Prefixed("host_", idgen.Default)(),
		cookie:      make(map[string]Cookie),
		events:      make(chan Event, 128),
		AliveResult: true,
	}
}

func (f *Fake) record(call string) {
	f.Calls = append(f.Calls, call)
}

// ID implements Host.
func (f *Fake) ID() string { return f.id }

// SetTitle sets the title returned by Title.
func (f *Fake) SetTitle(t string) {
	f.mu.Lock()
	f.title = t
	f.mu.Unlock()
}

// LoadURL implements Host.
func (f *Fake) LoadURL(ctx context.Context, url string, waitForLoad bool) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrHostClosed
	}
	f.record("LoadURL:" + url)
	hook := f.OnLoadURL
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if hook != nil {
		if err := hook(url); err != nil {
			f.EmitEvent(Event{Kind: EventDidFailLoad, URL: url, Err: err})
			return err
		}
	}

	f.mu.Lock()
	f.url = url
	f.mu.Unlock()
	f.EmitEvent(Event{Kind: EventDidNavigate, URL: url})
	if waitForLoad {
		f.EmitEvent(Event{Kind: EventDidFinishLoad, URL: url})
	}
	return nil
}

// Evaluate implements Host.
func (f *Fake) Evaluate(ctx context.Context, code string, args ...any) (any, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrHostClosed
	}
	f.record("Evaluate")
	hook := f.OnEvaluate
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hook != nil {
		return hook(code, args...)
	}
	return nil, nil
}

// Capture implements Host.
func (f *Fake) Capture(ctx context.Context, opts CaptureOptions) ([]byte, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrHostClosed
	}
	f.record("Capture")
	hook := f.OnCapture
	f.mu.Unlock()

	if hook != nil {
		return hook(opts)
	}
	return []byte("fake-image"), nil
}

// PrintPDF implements Host.
func (f *Fake) PrintPDF(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrHostClosed
	}
	f.record("PrintPDF")
	return []byte("%PDF-1.7\nfake"), nil
}

func cookieKey(c Cookie) string {
	return fmt.Sprintf("%s|%s|%s", c.Name, c.Domain, c.Path)
}

// Cookies implements Host.
func (f *Fake) Cookies(ctx context.Context, filter CookieFilter) ([]Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrHostClosed
	}
	f.record("Cookies")
	var out []Cookie
	for _, c := range f.cookie {
		if filter.Name != "" && c.Name != filter.Name {
			continue
		}
		if filter.Domain != "" && c.Domain != filter.Domain {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// SetCookie implements Host.
func (f *Fake) SetCookie(ctx context.Context, c Cookie) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrHostClosed
	}
	f.record("SetCookie:" + c.Name)
	f.cookie[cookieKey(c)] = c
	return nil
}

// RemoveCookie implements Host.
func (f *Fake) RemoveCookie(ctx context.Context, url, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrHostClosed
	}
	f.record("RemoveCookie:" + name)
	for k, c := range f.cookie {
		if c.Name == name {
			delete(f.cookie, k)
		}
	}
	return nil
}

// ClearCookies implements Host.
func (f *Fake) ClearCookies(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrHostClosed
	}
	f.record("ClearCookies")
	f.cookie = make(map[string]Cookie)
	return nil
}

// URL implements Host.
func (f *Fake) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

// Title implements Host.
func (f *Fake) Title(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", ErrHostClosed
	}
	return f.title, nil
}

// SetBounds implements Host.
func (f *Fake) SetBounds(ctx context.Context, r Rect) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrHostClosed
	}
	f.record(fmt.Sprintf("SetBounds:%d,%d", r.X, r.Y))
	return nil
}

// SetVisible implements Host.
func (f *Fake) SetVisible(ctx context.Context, visible bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrHostClosed
	}
	f.record(fmt.Sprintf("SetVisible:%v", visible))
	return nil
}

// Events implements Host.
func (f *Fake) Events() <-chan Event { return f.events }

// EmitEvent injects an event into the host's stream (test helper).
func (f *Fake) EmitEvent(ev Event) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case f.events <- ev:
	default:
	}
}

// IsAlive implements Host.
func (f *Fake) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.AliveResult && !f.closed
}

// QueueDepth implements Host.
func (f *Fake) QueueDepth() int { return 0 }

// Close implements Host. Safe to call more than once.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.AliveResult = false
	// f.events stays open: EmitEvent may race Close, and a dropped send
	// into an open channel is safe where a send on a closed one is not.
	return nil
}
