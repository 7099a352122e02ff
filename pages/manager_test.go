package pages

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/veilcrawl/veilcrawl/events"
	"github.com/veilcrawl/veilcrawl/pagehost"
)

func fakeSource() HostSource {
	return func(ctx context.Context) (pagehost.Host, error) {
		return pagehost.NewFake(), nil
	}
}

func noRelease() HostRelease {
	return func(ctx context.Context, h pagehost.Host) { h.Close() }
}

func TestManager_AdmissionLimit(t *testing.T) {
	m := NewManager(context.Background(), ProfileStealth, fakeSource(), noRelease(), nil)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	id1, err := m.CreatePage(ctx, nil)
	if err != nil {
		t.Fatalf("CreatePage 1: %v", err)
	}
	if m.ActivePage() != id1 {
		t.Fatalf("first page should be active, got %q", m.ActivePage())
	}
	if _, err := m.CreatePage(ctx, nil); err != nil {
		t.Fatalf("CreatePage 2: %v", err)
	}

	// stealth caps at 2 pages.
	if _, err := m.CreatePage(ctx, nil); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
}

func TestManager_ResourceExhausted(t *testing.T) {
	m := NewManager(context.Background(), ProfileBalanced, fakeSource(), noRelease(), nil)
	defer m.Shutdown(context.Background())

	// Force the monitor over its memory limit.
	m.monitor.sample = func() Sample { return Sample{MemoryMB: 99999} }
	m.monitor.check()

	if _, err := m.CreatePage(context.Background(), nil); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
}

func TestManager_SingleProfileMonitorDisabled(t *testing.T) {
	m := NewManager(context.Background(), ProfileSingle, fakeSource(), noRelease(), nil)
	defer m.Shutdown(context.Background())

	m.monitor.sample = func() Sample { return Sample{MemoryMB: 99999, CPUPercent: 100} }
	m.monitor.check()
	if !m.Healthy() {
		t.Fatal("single profile with monitoring off must report healthy")
	}
}

func TestManager_DomainRateLimit(t *testing.T) {
	m := NewManager(context.Background(), ProfileBalanced, fakeSource(), noRelease(), events.NewBus())
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	// balanced: domainRateLimitDelay=1000ms, maxNavs=3, minNavDelay=500ms.
	p1, _ := m.CreatePage(ctx, nil)
	p2, _ := m.CreatePage(ctx, nil)

	start := time.Now()
	if res, err := m.NavigatePage(ctx, p1, "https://ex.com/a"); err != nil || !res.Success {
		t.Fatalf("nav 1: %v %+v", err, res)
	}
	if res, err := m.NavigatePage(ctx, p2, "https://ex.com/b"); err != nil || !res.Success {
		t.Fatalf("nav 2: %v %+v", err, res)
	}
	if elapsed := time.Since(start); elapsed < 1000*time.Millisecond {
		t.Fatalf("second same-domain navigation completed too early: %v", elapsed)
	}
	if m.Stats().RateLimitDelays == 0 {
		t.Fatal("expected a rate limit delay to be counted")
	}
}

func TestManager_SameDomainNavsDoNotOverlap(t *testing.T) {
	// Same-domain navigations admitted together must still serialize:
	// the domain slot is reserved before the rate-limit sleep, so none
	// of them observes an empty domainLast stamp.
	var inflight, peak atomic.Int32
	src := func(ctx context.Context) (pagehost.Host, error) {
		f := pagehost.NewFake()
		f.OnLoadURL = func(url string) error {
			n := inflight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inflight.Add(-1)
			return nil
		}
		return f, nil
	}
	m := NewManager(context.Background(), ProfileAggressive, src, noRelease(), nil)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	ids := make([]string, 3)
	for i := range ids {
		ids[i], _ = m.CreatePage(ctx, nil)
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		i, id := i, id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := m.NavigatePage(ctx, id, fmt.Sprintf("https://ex.com/%d", i)); err != nil || !res.Success {
				t.Errorf("nav %d: %v %+v", i, err, res)
			}
		}()
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Fatalf("same-domain navigations overlapped: max in-flight = %d, want 1", got)
	}
}

func TestManager_DistinctDomainsRunConcurrently(t *testing.T) {
	m := NewManager(context.Background(), ProfileAggressive, fakeSource(), noRelease(), nil)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	p1, _ := m.CreatePage(ctx, nil)
	p2, _ := m.CreatePage(ctx, nil)

	var wg sync.WaitGroup
	start := time.Now()
	for _, nav := range []struct{ id, url string }{
		{p1, "https://one.example/a"},
		{p2, "https://two.example/b"},
	} {
		nav := nav
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := m.NavigatePage(ctx, nav.id, nav.url); err != nil || !res.Success {
				t.Errorf("nav %s: %v %+v", nav.url, err, res)
			}
		}()
	}
	wg.Wait()

	// aggressive has no min delay; both should finish fast and in parallel.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("distinct-domain navigations serialized: %v", elapsed)
	}
}

func TestManager_DestroyDuringNavigation(t *testing.T) {
	held := make(chan struct{})
	src := func(ctx context.Context) (pagehost.Host, error) {
		f := pagehost.NewFake()
		f.OnLoadURL = func(url string) error {
			<-held
			return nil
		}
		return f, nil
	}
	m := NewManager(context.Background(), ProfileAggressive, src, noRelease(), nil)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	id, _ := m.CreatePage(ctx, nil)

	resCh := make(chan NavResult, 1)
	go func() {
		res, _ := m.NavigatePage(ctx, id, "https://slow.example/")
		resCh <- res
	}()
	time.Sleep(20 * time.Millisecond)

	if err := m.DestroyPage(ctx, id); err != nil {
		t.Fatalf("DestroyPage: %v", err)
	}
	close(held)

	select {
	case res := <-resCh:
		if res.Success {
			t.Fatalf("navigation should fail after destroy: %+v", res)
		}
		if res.Error != ErrPageGone.Error() {
			t.Fatalf("expected PageGone, got %q", res.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("navigation did not resolve")
	}
}

func TestManager_NavigationFailureCounted(t *testing.T) {
	src := func(ctx context.Context) (pagehost.Host, error) {
		f := pagehost.NewFake()
		f.OnLoadURL = func(url string) error { return errors.New("net::ERR_NAME_NOT_RESOLVED") }
		return f, nil
	}
	m := NewManager(context.Background(), ProfileSingle, src, noRelease(), nil)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	id, _ := m.CreatePage(ctx, nil)
	res, err := m.NavigatePage(ctx, id, "https://nope.invalid/")
	if err != nil {
		t.Fatalf("NavigatePage: %v", err)
	}
	if res.Success || res.Error == "" {
		t.Fatalf("expected failure result, got %+v", res)
	}
	if m.Stats().NavigationsFailed != 1 {
		t.Fatalf("navigationsFailed = %d, want 1", m.Stats().NavigationsFailed)
	}
}

func TestManager_ShutdownRejectsWork(t *testing.T) {
	m := NewManager(context.Background(), ProfileBalanced, fakeSource(), noRelease(), nil)
	ctx := context.Background()
	id, _ := m.CreatePage(ctx, nil)

	m.Shutdown(ctx)
	m.Shutdown(ctx) // idempotent

	if _, err := m.CreatePage(ctx, nil); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
	if _, err := m.NavigatePage(ctx, id, "https://ex.com/"); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
	if len(m.ListPages()) != 0 {
		t.Fatal("pages not drained on shutdown")
	}
}

func TestManager_CloseOtherPages(t *testing.T) {
	m := NewManager(context.Background(), ProfileAggressive, fakeSource(), noRelease(), nil)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	a, _ := m.CreatePage(ctx, nil)
	b, _ := m.CreatePage(ctx, nil)
	c, _ := m.CreatePage(ctx, nil)

	m.CloseOtherPages(ctx, []string{b})
	pagesLeft := m.ListPages()
	if len(pagesLeft) != 1 || pagesLeft[0].ID != b {
		t.Fatalf("expected only %s to remain, got %+v", b, pagesLeft)
	}
	_ = a
	_ = c
}
