// Package pagehost defines the capability surface the core expects from one
// browser context, and provides the Rod-backed implementation of it.
//
// A Host owns exactly one browser context. Commands are serialized per host
// through a FIFO command queue, so evaluate/capture/cookie calls never
// overlap on the same context. Everything above this package (pool, pages,
// capture, formfill, recorder) talks to the Host interface only; tests
// substitute a Fake.
package pagehost

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of a host. Disposed is terminal.
type State string

const (
	StateWarming   State = "warming"
	StateAvailable State = "available"
	StateAcquired  State = "acquired"
	StateRecycling State = "recycling"
	StateDisposed  State = "disposed"
)

// ErrHostClosed is returned by operations on a closed or dead host.
var ErrHostClosed = errors.New("pagehost: host is closed")

// Rect is a window or capture rectangle in CSS pixels.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CaptureOptions selects what a Capture call grabs and how it is encoded.
type CaptureOptions struct {
	// FullPage captures the whole scrollable document instead of the viewport.
	FullPage bool
	// Element restricts the capture to the first node matching this selector.
	Element string
	// Area restricts the capture to an absolute rectangle.
	Area *Rect
	// Format is "png", "jpeg" or "webp". Default "png".
	Format string
	// Quality in [0,100] for lossy formats.
	Quality int
}

// Cookie is the serialization form shared with the cookie jar manager.
type Cookie struct {
	Name           string  `json:"name"`
	Value          string  `json:"value"`
	Domain         string  `json:"domain"`
	Path           string  `json:"path"`
	Secure         bool    `json:"secure"`
	HTTPOnly       bool    `json:"httpOnly"`
	SameSite       string  `json:"sameSite,omitempty"` // strict, lax, no_restriction
	ExpirationDate float64 `json:"expirationDate,omitempty"`
}

// CookieFilter narrows a Cookies query. Zero value matches everything.
type CookieFilter struct {
	URL    string
	Name   string
	Domain string
}

// EventKind tags a host event.
type EventKind string

const (
	EventDidStartLoading EventKind = "did-start-loading"
	EventDidNavigate     EventKind = "did-navigate"
	EventDidFinishLoad   EventKind = "did-finish-load"
	EventDidFailLoad     EventKind = "did-fail-load"
	EventPaint           EventKind = "paint"
)

// Event is a navigation or paint notification from the browser context.
type Event struct {
	Kind EventKind
	URL  string
	Err  error
	// DirtyRect and Buffer are set for paint events only.
	DirtyRect *Rect
	Buffer    []byte
	Time      time.Time
}

// Host is one browser context. Implementations must serialize commands
// internally and tolerate repeated Close calls.
type Host interface {
	// ID returns the stable host identifier ("host_<uuid>").
	ID() string

	// LoadURL navigates the context. When waitForLoad is true it blocks
	// until the load event (or ctx deadline).
	LoadURL(ctx context.Context, url string, waitForLoad bool) error

	// Evaluate runs a JS function body in the page and returns its value
	// decoded from JSON. One evaluate at a time per host.
	Evaluate(ctx context.Context, code string, args ...any) (any, error)

	// Capture grabs a screenshot per opts.
	Capture(ctx context.Context, opts CaptureOptions) ([]byte, error)

	// PrintPDF renders the current page to PDF bytes.
	PrintPDF(ctx context.Context) ([]byte, error)

	// Cookies returns cookies matching the filter.
	Cookies(ctx context.Context, filter CookieFilter) ([]Cookie, error)
	// SetCookie installs one cookie.
	SetCookie(ctx context.Context, c Cookie) error
	// RemoveCookie deletes a cookie by URL and name.
	RemoveCookie(ctx context.Context, url, name string) error
	// ClearCookies removes every cookie in the context.
	ClearCookies(ctx context.Context) error

	// URL returns the last committed URL.
	URL() string
	// Title returns the current document title.
	Title(ctx context.Context) (string, error)

	// SetBounds moves/resizes the window (used by the pool to park hosts
	// off-screen) and SetVisible shows or hides it.
	SetBounds(ctx context.Context, r Rect) error
	SetVisible(ctx context.Context, visible bool) error

	// Events returns the host's event stream. The channel is closed when
	// the host is closed.
	Events() <-chan Event

	// IsAlive reports whether the underlying context still responds.
	IsAlive() bool

	// QueueDepth reports the number of commands waiting in the host's
	// serial queue. Used by pool health bookkeeping.
	QueueDepth() int

	// Close destroys the context. Safe to call more than once.
	Close() error
}
