package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veilcrawl/veilcrawl/capture"
	"github.com/veilcrawl/veilcrawl/cookiejar"
	"github.com/veilcrawl/veilcrawl/evidence"
	"github.com/veilcrawl/veilcrawl/extract"
	"github.com/veilcrawl/veilcrawl/formfill"
	"github.com/veilcrawl/veilcrawl/pagehost"
	"github.com/veilcrawl/veilcrawl/pages"
	"github.com/veilcrawl/veilcrawl/pool"
	"github.com/veilcrawl/veilcrawl/proxypool"
	"github.com/veilcrawl/veilcrawl/puppet"
	"github.com/veilcrawl/veilcrawl/recorder"
)

// ErrNoActivePage is returned by page-scoped commands when no page exists
// and none was named.
var ErrNoActivePage = errors.New("dispatch: no active page")

// Deps collects the components the command table routes to.
type Deps struct {
	Pages    *pages.Manager
	Pool     *pool.Pool
	Proxies  *proxypool.Pool
	Jars     *cookiejar.Manager
	Capture  *capture.Manager
	Recorder *recorder.Recorder
	Evidence *evidence.Manager
	Puppets  *puppet.Manager
	Extract  *extract.Extractor
	Logger   *slog.Logger

	StartedAt time.Time

	mu            sync.Mutex
	lastRecording *recorder.Recording
}

// hostFor resolves the target page host: explicit pageId argument, else
// the active page.
func (d *Deps) hostFor(args Args) (pagehost.Host, string, error) {
	pageID := args.String("pageId")
	if pageID == "" {
		pageID = d.Pages.ActivePage()
	}
	if pageID == "" {
		return nil, "", ErrNoActivePage
	}
	h, err := d.Pages.PageHost(pageID)
	if err != nil {
		return nil, "", err
	}
	return h, pageID, nil
}

func (d *Deps) setLastRecording(rec *recorder.Recording) {
	d.mu.Lock()
	d.lastRecording = rec
	d.mu.Unlock()
}

func (d *Deps) getLastRecording() *recorder.Recording {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRecording
}

// RegisterAll installs the canonical command table. Every verb also
// answers under its browser_ alias.
func RegisterAll(reg *Registry, d *Deps) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now()
	}

	registerCore(reg, d)
	registerPageCommands(reg, d)
	registerCookieCommands(reg, d)
	registerProxyCommands(reg, d)
	registerScreenshotCommands(reg, d)
	registerRecordingCommands(reg, d)
	registerInputCommands(reg, d)
	registerPuppetCommands(reg, d)
	if d.Evidence != nil {
		registerEvidenceCommands(reg, d)
	}
}

func registerCore(reg *Registry, d *Deps) {
	reg.Register("ping", nil, func(ctx context.Context, args Args) (Result, error) {
		return Result{"pong": true, "time": time.Now().UnixMilli()}, nil
	})

	reg.Register("status", nil, func(ctx context.Context, args Args) (Result, error) {
		res := Result{
			"uptimeMs": time.Since(d.StartedAt).Milliseconds(),
			"pages":    d.Pages.Stats(),
			"healthy":  d.Pages.Healthy(),
		}
		if d.Pool != nil {
			res["pool"] = d.Pool.Status()
		}
		if d.Recorder != nil {
			res["recorderState"] = string(d.Recorder.State())
		}
		if d.Jars != nil {
			res["activeJar"] = d.Jars.ActiveJar()
		}
		return res, nil
	})
}

func registerPageCommands(reg *Registry, d *Deps) {
	navigate := func(ctx context.Context, args Args) (Result, error) {
		pageID := args.String("pageId")
		if pageID == "" {
			pageID = d.Pages.ActivePage()
		}
		if pageID == "" {
			created, err := d.Pages.CreatePage(ctx, nil)
			if err != nil {
				return nil, err
			}
			pageID = created
		}
		nav, err := d.Pages.NavigatePage(ctx, pageID, args.String("url"))
		if err != nil {
			return nil, err
		}
		if d.Recorder != nil && nav.Success {
			d.Recorder.RecordNavigation(nav.URL)
		}
		return Result{"pageId": nav.PageID, "url": nav.URL, "navigated": nav.Success,
			"durationMs": nav.Duration.Milliseconds(), "navError": nav.Error}, nil
	}
	reg.Register("navigate", []string{"url"}, navigate)
	reg.Register("navigate_tab", []string{"pageId", "url"}, navigate)

	reg.Register("new_tab", nil, func(ctx context.Context, args Args) (Result, error) {
		pageID, err := d.Pages.CreatePage(ctx, nil)
		if err != nil {
			return nil, err
		}
		if url := args.String("url"); url != "" {
			if _, err := d.Pages.NavigatePage(ctx, pageID, url); err != nil {
				return nil, err
			}
		}
		return Result{"pageId": pageID}, nil
	})

	reg.Register("list_tabs", nil, func(ctx context.Context, args Args) (Result, error) {
		return Result{"tabs": d.Pages.ListPages(), "activePageId": d.Pages.ActivePage()}, nil
	})

	reg.Register("get_active_tab", nil, func(ctx context.Context, args Args) (Result, error) {
		id := d.Pages.ActivePage()
		if id == "" {
			return nil, ErrNoActivePage
		}
		page, err := d.Pages.GetPage(id)
		if err != nil {
			return nil, err
		}
		return Result{"tab": page}, nil
	})

	reg.Register("close_tab", []string{"pageId"}, func(ctx context.Context, args Args) (Result, error) {
		if err := d.Pages.DestroyPage(ctx, args.String("pageId")); err != nil {
			return nil, err
		}
		return Result{"closed": args.String("pageId")}, nil
	})

	reg.Register("activate_tab", []string{"pageId"}, func(ctx context.Context, args Args) (Result, error) {
		if err := d.Pages.SetActivePage(args.String("pageId")); err != nil {
			return nil, err
		}
		return Result{"activePageId": args.String("pageId")}, nil
	})

	reg.Register("execute_script", []string{"script"}, func(ctx context.Context, args Args) (Result, error) {
		_, pageID, err := d.hostFor(args)
		if err != nil {
			return nil, err
		}
		value, err := d.Pages.ExecuteOnPage(ctx, pageID, args.String("script"))
		if err != nil {
			return nil, err
		}
		return Result{"result": value}, nil
	})

	reg.Register("wait_for_element", []string{"selector"}, func(ctx context.Context, args Args) (Result, error) {
		h, _, err := d.hostFor(args)
		if err != nil {
			return nil, err
		}
		timeout := time.Duration(args.Int("timeout", 10000)) * time.Millisecond
		deadline := time.Now().Add(timeout)
		selector := args.String("selector")
		for {
			found, err := h.Evaluate(ctx, existsJS, selector)
			if err != nil {
				return nil, err
			}
			if b, ok := found.(bool); ok && b {
				return Result{"found": true, "selector": selector}, nil
			}
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("timeout waiting for element: %s", selector)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	})

	reg.Register("get_content", nil, func(ctx context.Context, args Args) (Result, error) {
		h, _, err := d.hostFor(args)
		if err != nil {
			return nil, err
		}
		format := extract.Format(args.String("format"))
		if format == "" {
			format = extract.FormatHTML
		}
		content, err := d.Extract.FromHost(ctx, h, format)
		if err != nil {
			return nil, err
		}
		return Result{"content": content.Content, "format": string(content.Format),
			"url": content.URL, "length": content.Length}, nil
	})

	reg.Register("fill", []string{"data"}, func(ctx context.Context, args Args) (Result, error) {
		h, _, err := d.hostFor(args)
		if err != nil {
			return nil, err
		}
		opts := formfill.DefaultOptions()
		opts.RespectHoneypots = args.Bool("respectHoneypots", true)
		opts.SkipCaptchas = args.Bool("skipCaptchas", true)
		opts.Submit = args.Bool("submit", false)
		res, err := formfill.Fill(ctx, h, args.Int("formIndex", 0), args.StringMap("data"), opts)
		if err != nil {
			return nil, err
		}
		return Result{"fill": res}, nil
	})

	reg.Register("analyze_forms", nil, func(ctx context.Context, args Args) (Result, error) {
		h, _, err := d.hostFor(args)
		if err != nil {
			return nil, err
		}
		forms, err := formfill.Analyze(ctx, h)
		if err != nil {
			return nil, err
		}
		return Result{"forms": forms, "count": len(forms)}, nil
	})
}

func registerCookieCommands(reg *Registry, d *Deps) {
	reg.Register("get_cookies", nil, func(ctx context.Context, args Args) (Result, error) {
		h, _, err := d.hostFor(args)
		if err != nil {
			return nil, err
		}
		cookies, err := h.Cookies(ctx, pagehost.CookieFilter{
			Domain: args.String("domain"),
			Name:   args.String("name"),
		})
		if err != nil {
			return nil, err
		}
		return Result{"cookies": cookies, "count": len(cookies)}, nil
	})

	reg.Register("set_cookies", []string{"cookies"}, func(ctx context.Context, args Args) (Result, error) {
		h, _, err := d.hostFor(args)
		if err != nil {
			return nil, err
		}
		var cookies []pagehost.Cookie
		if err := args.Decode("cookies", &cookies); err != nil {
			return nil, err
		}
		for _, c := range cookies {
			if err := h.SetCookie(ctx, c); err != nil {
				return nil, err
			}
		}
		return Result{"set": len(cookies)}, nil
	})

	reg.Register("clear_cookies", nil, func(ctx context.Context, args Args) (Result, error) {
		h, _, err := d.hostFor(args)
		if err != nil {
			return nil, err
		}
		if err := h.ClearCookies(ctx); err != nil {
			return nil, err
		}
		return Result{"cleared": true}, nil
	})

	reg.Register("list_cookie_jars", nil, func(ctx context.Context, args Args) (Result, error) {
		return Result{"jars": d.Jars.ListJars(), "active": d.Jars.ActiveJar()}, nil
	})

	reg.Register("switch_cookie_jar", []string{"name"}, func(ctx context.Context, args Args) (Result, error) {
		err := d.Jars.SwitchJar(ctx, args.String("name"), cookiejar.SwitchOptions{
			SaveCurrent: args.Bool("saveCurrent", true),
			LoadTarget:  args.Bool("loadTarget", true),
		})
		if err != nil {
			return nil, err
		}
		return Result{"active": args.String("name")}, nil
	})
}

func registerProxyCommands(reg *Registry, d *Deps) {
	addOne := func(args Args) (*proxypool.Proxy, error) {
		var cfg proxypool.AddConfig
		if args.Has("proxy") {
			if err := args.Decode("proxy", &cfg); err != nil {
				return nil, err
			}
		} else {
			cfg = proxypool.AddConfig{
				Type: proxypool.Type(args.String("type")),
				Host: args.String("host"),
				Port: args.Int("port", 0),
			}
		}
		return d.Proxies.AddProxy(cfg)
	}

	reg.Register("set_proxy", []string{"host", "port"}, func(ctx context.Context, args Args) (Result, error) {
		p, err := addOne(args)
		if err != nil {
			return nil, err
		}
		return Result{"proxy": p}, nil
	})

	reg.Register("set_proxy_list", []string{"proxies"}, func(ctx context.Context, args Args) (Result, error) {
		var list []proxypool.AddConfig
		if err := args.Decode("proxies", &list); err != nil {
			return nil, err
		}
		d.Proxies.Clear()
		added := 0
		for _, cfg := range list {
			if _, err := d.Proxies.AddProxy(cfg); err == nil {
				added++
			}
		}
		return Result{"added": added}, nil
	})

	reg.Register("get_proxy_status", nil, func(ctx context.Context, args Args) (Result, error) {
		return Result{
			"proxies":  d.Proxies.List(),
			"strategy": string(d.Proxies.Strategy()),
		}, nil
	})

	reg.Register("rotate_proxy", nil, func(ctx context.Context, args Args) (Result, error) {
		p, err := d.Proxies.GetNextProxy(nil)
		if err != nil {
			return nil, err
		}
		return Result{"proxy": p}, nil
	})

	reg.Register("test_proxy", []string{"proxyId"}, func(ctx context.Context, args Args) (Result, error) {
		res, err := d.Proxies.TestProxy(ctx, args.String("proxyId"), args.String("targetUrl"))
		if err != nil {
			return nil, err
		}
		return Result{"probe": res}, nil
	})
}

func registerScreenshotCommands(reg *Registry, d *Deps) {
	opts := func(args Args) (pagehost.CaptureOptions, error) {
		if preset := args.String("preset"); preset != "" {
			return capture.PresetOptions(capture.Preset(preset))
		}
		o := pagehost.CaptureOptions{
			Format:  args.String("format"),
			Quality: args.Int("quality", 0),
		}
		if o.Format == "" {
			o.Format = "png"
		}
		return o, nil
	}

	shotResult := func(shot *capture.Shot) Result {
		return Result{
			"data":     base64.StdEncoding.EncodeToString(shot.Data),
			"format":   shot.Format,
			"metadata": shot.Metadata,
		}
	}

	reg.Register("screenshot_viewport", nil, func(ctx context.Context, args Args) (Result, error) {
		h, _, err := d.hostFor(args)
		if err != nil {
			return nil, err
		}
		o, err := opts(args)
		if err != nil {
			return nil, err
		}
		shot, err := d.Capture.Viewport(ctx, h, o)
		if err != nil {
			return nil, err
		}
		return shotResult(shot), nil
	})

	reg.Register("screenshot_full_page", nil, func(ctx context.Context, args Args) (Result, error) {
		h, _, err := d.hostFor(args)
		if err != nil {
			return nil, err
		}
		o, err := opts(args)
		if err != nil {
			return nil, err
		}
		shot, err := d.Capture.FullPage(ctx, h, capture.FullPageOptions{Capture: o})
		if err != nil {
			return nil, err
		}
		return shotResult(shot), nil
	})

	reg.Register("screenshot_element", []string{"selector"}, func(ctx context.Context, args Args) (Result, error) {
		h, _, err := d.hostFor(args)
		if err != nil {
			return nil, err
		}
		o, err := opts(args)
		if err != nil {
			return nil, err
		}
		shot, err := d.Capture.Element(ctx, h, args.String("selector"), args.Int("padding", 0), o)
		if err != nil {
			return nil, err
		}
		return shotResult(shot), nil
	})

	reg.Register("screenshot_area", nil, func(ctx context.Context, args Args) (Result, error) {
		h, _, err := d.hostFor(args)
		if err != nil {
			return nil, err
		}
		o, err := opts(args)
		if err != nil {
			return nil, err
		}
		var area capture.AreaSpec
		for key, dst := range map[string]**int{"x": &area.X, "y": &area.Y, "width": &area.Width, "height": &area.Height} {
			if args.Has(key) {
				n := args.Int(key, 0)
				*dst = &n
			}
		}
		shot, err := d.Capture.Area(ctx, h, area, o)
		if err != nil {
			return nil, err
		}
		return shotResult(shot), nil
	})

	reg.Register("save_pdf", []string{"path"}, func(ctx context.Context, args Args) (Result, error) {
		h, _, err := d.hostFor(args)
		if err != nil {
			return nil, err
		}
		res, err := d.Capture.SavePDF(ctx, h, args.String("path"))
		if err != nil {
			return nil, err
		}
		return Result{"pdf": res}, nil
	})
}

func registerRecordingCommands(reg *Registry, d *Deps) {
	reg.Register("recording_start", nil, func(ctx context.Context, args Args) (Result, error) {
		if err := d.Recorder.Start(ctx, args.StringMap("metadata")); err != nil {
			return nil, err
		}
		return Result{"state": string(d.Recorder.State())}, nil
	})

	reg.Register("recording_stop", nil, func(ctx context.Context, args Args) (Result, error) {
		rec, err := d.Recorder.Stop()
		if err != nil {
			return nil, err
		}
		d.setLastRecording(rec)
		return Result{"recordingId": rec.ID, "events": len(rec.Events),
			"durationMs": rec.DurationMs, "hash": rec.Hash}, nil
	})

	reg.Register("recording_pause", nil, func(ctx context.Context, args Args) (Result, error) {
		if err := d.Recorder.Pause(); err != nil {
			return nil, err
		}
		return Result{"state": string(d.Recorder.State())}, nil
	})

	reg.Register("recording_resume", nil, func(ctx context.Context, args Args) (Result, error) {
		if err := d.Recorder.Resume(); err != nil {
			return nil, err
		}
		return Result{"state": string(d.Recorder.State())}, nil
	})

	reg.Register("recording_checkpoint", []string{"name"}, func(ctx context.Context, args Args) (Result, error) {
		cp, err := d.Recorder.CreateCheckpoint(args.String("name"), args.String("description"))
		if err != nil {
			return nil, err
		}
		return Result{"checkpoint": cp}, nil
	})

	reg.Register("recording_status", nil, func(ctx context.Context, args Args) (Result, error) {
		return Result{"state": string(d.Recorder.State()), "stats": d.Recorder.Stats()}, nil
	})

	reg.Register("recording_export", []string{"format"}, func(ctx context.Context, args Args) (Result, error) {
		rec := d.getLastRecording()
		if rec == nil {
			return nil, errors.New("no stopped recording to export")
		}
		opts := recorder.ExportOptions{
			IncludeImports: args.Bool("includeImports", true),
			IncludeSetup:   args.Bool("includeSetup", true),
			IncludeWaits:   args.Bool("includeWaits", true),
		}
		out, err := recorder.Export(rec, recorder.ExportFormat(args.String("format")), opts)
		if err != nil {
			return nil, err
		}
		return Result{"script": out, "format": args.String("format")}, nil
	})
}

func registerPuppetCommands(reg *Registry, d *Deps) {
	reg.Register("list_sock_puppets", nil, func(ctx context.Context, args Args) (Result, error) {
		puppets, err := d.Puppets.ListSockPuppets(ctx, args.String("search"))
		if err != nil {
			return nil, err
		}
		return Result{"sockPuppets": puppets, "count": len(puppets)}, nil
	})

	reg.Register("link_sock_puppet", []string{"profileId", "sockPuppetId"}, func(ctx context.Context, args Args) (Result, error) {
		if err := d.Puppets.LinkProfile(ctx, args.String("profileId"), args.String("sockPuppetId")); err != nil {
			return nil, err
		}
		return Result{"linked": true}, nil
	})

	reg.Register("list_sessions", nil, func(ctx context.Context, args Args) (Result, error) {
		sessions := d.Puppets.Sessions()
		return Result{"sessions": sessions, "count": len(sessions)}, nil
	})

	reg.Register("get_session_info", []string{"sessionId"}, func(ctx context.Context, args Args) (Result, error) {
		for _, s := range d.Puppets.Sessions() {
			if s.ID == args.String("sessionId") {
				return Result{"session": s}, nil
			}
		}
		return nil, fmt.Errorf("session not found: %s", args.String("sessionId"))
	})
}
