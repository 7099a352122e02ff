package pagehost

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// StealthLevel controls how browser contexts are created.
type StealthLevel int

const (
	// LevelHeadless runs Chrome headless with stealth patches applied.
	LevelHeadless StealthLevel = 1
	// LevelHeadful runs Chrome under an Xvfb virtual display. Harder to
	// fingerprint than headless, at the cost of an X server dependency.
	LevelHeadful StealthLevel = 2
)

// LauncherConfig configures the shared Chrome process behind all hosts.
type LauncherConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via the rod launcher.
	RemoteURL string

	// Stealth sets the context creation mode. Default: LevelHeadless.
	Stealth StealthLevel

	// XvfbDisplay for headful mode. Default ":99".
	XvfbDisplay string

	// ResourceBlocking lists resource types to block on every context
	// (images, fonts, media, stylesheets).
	ResourceBlocking []string

	// ProxyServer, when set, routes all contexts through this proxy
	// (scheme://host:port). Per-request egress selection happens upstream
	// in the proxy pool; this is the launcher-level default.
	ProxyServer string

	Logger *slog.Logger
}

func (c *LauncherConfig) defaults() {
	if c.Stealth == 0 {
		c.Stealth = LevelHeadless
	}
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Launcher owns the Chrome process and mints Hosts from it.
type Launcher struct {
	cfg     LauncherConfig
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	xvfb    *exec.Cmd
	closed  bool
}

// NewLauncher creates a Launcher. Call Start before NewHost.
func NewLauncher(cfg LauncherConfig) *Launcher {
	cfg.defaults()
	return &Launcher{cfg: cfg}
}

// Start launches Chrome (or connects to a remote instance).
func (l *Launcher) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("pagehost: launcher is closed")
	}
	if l.browser != nil {
		return nil
	}

	log := l.cfg.Logger

	if l.cfg.Stealth == LevelHeadful {
		if err := l.startXvfb(); err != nil {
			return fmt.Errorf("pagehost: xvfb: %w", err)
		}
	}

	var wsURL string
	if l.cfg.RemoteURL != "" {
		wsURL = l.cfg.RemoteURL
		log.Info("pagehost: connecting to remote chrome", "url", wsURL)
	} else {
		ln := launcher.New()
		if l.cfg.Stealth == LevelHeadful {
			ln = ln.Headless(false).Env("DISPLAY", l.cfg.XvfbDisplay)
		} else {
			ln = ln.Headless(true)
		}
		// Anti-detection flags.
		ln = ln.Set("disable-blink-features", "AutomationControlled")
		if l.cfg.ProxyServer != "" {
			ln = ln.Proxy(l.cfg.ProxyServer)
		}

		u, err := ln.Launch()
		if err != nil {
			return fmt.Errorf("pagehost: launch: %w", err)
		}
		wsURL = u
		l.lnch = ln
		log.Info("pagehost: launched local chrome", "stealth", l.cfg.Stealth)
	}

	b := rod.New().ControlURL(wsURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("pagehost: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("pagehost: ignore cert errors failed", "error", err)
	}

	l.browser = b
	return nil
}

// Browser returns the rod browser handle, or nil before Start.
func (l *Launcher) Browser() *rod.Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.browser
}

// Close shuts down Chrome and Xvfb. Idempotent.
func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.browser != nil {
		l.browser.Close()
		l.browser = nil
	}
	if l.lnch != nil {
		l.lnch.Cleanup()
		l.lnch = nil
	}
	l.stopXvfb()
	return nil
}

func (l *Launcher) startXvfb() error {
	if l.xvfb != nil {
		return nil
	}
	display := l.cfg.XvfbDisplay
	cmd := exec.Command("Xvfb", display, "-screen", "0", "1920x1080x24", "-ac")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb: %w", err)
	}
	l.xvfb = cmd

	// Give Xvfb a moment to initialise.
	time.Sleep(500 * time.Millisecond)

	l.cfg.Logger.Info("pagehost: xvfb started", "display", display, "pid", cmd.Process.Pid)
	return nil
}

func (l *Launcher) stopXvfb() {
	if l.xvfb == nil {
		return
	}
	if l.xvfb.Process != nil {
		l.xvfb.Process.Kill()
		l.xvfb.Wait()
	}
	l.cfg.Logger.Info("pagehost: xvfb stopped")
	l.xvfb = nil
}
