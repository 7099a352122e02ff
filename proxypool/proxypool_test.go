package proxypool

import (
	"errors"
	"testing"
	"time"
)

func addN(t *testing.T, pl *Pool, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		p, err := pl.AddProxy(AddConfig{Type: TypeHTTP, Host: "10.0.0.1", Port: 8000 + i})
		if err != nil {
			t.Fatalf("AddProxy %d: %v", i, err)
		}
		ids = append(ids, p.ID)
	}
	return ids
}

func TestPool_AddRemoveDuplicate(t *testing.T) {
	pl := New(Config{}, nil)
	p, err := pl.AddProxy(AddConfig{Type: TypeHTTP, Host: "10.0.0.1", Port: 8080})
	if err != nil {
		t.Fatalf("AddProxy: %v", err)
	}
	if _, err := pl.AddProxy(AddConfig{Type: TypeHTTP, Host: "10.0.0.1", Port: 8080}); !errors.Is(err, ErrProxyExists) {
		t.Fatalf("expected ErrProxyExists, got %v", err)
	}
	if err := pl.RemoveProxy(p.ID); err != nil {
		t.Fatalf("RemoveProxy: %v", err)
	}
	if err := pl.RemoveProxy(p.ID); !errors.Is(err, ErrProxyNotFound) {
		t.Fatalf("expected ErrProxyNotFound, got %v", err)
	}
}

func TestPool_EmptyPoolErrors(t *testing.T) {
	pl := New(Config{}, nil)
	if _, err := pl.GetNextProxy(nil); !errors.Is(err, ErrNoProxyAvailable) {
		t.Fatalf("expected ErrNoProxyAvailable, got %v", err)
	}
}

func TestPool_RoundRobinCycles(t *testing.T) {
	pl := New(Config{Strategy: StrategyRoundRobin}, nil)
	ids := addN(t, pl, 3)

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		p, err := pl.GetNextProxy(nil)
		if err != nil {
			t.Fatalf("GetNextProxy: %v", err)
		}
		seen[p.ID]++
	}
	for _, id := range ids {
		if seen[id] != 2 {
			t.Fatalf("round-robin uneven: %v", seen)
		}
	}
}

func TestPool_HealthTransitions(t *testing.T) {
	pl := New(Config{}, nil)
	ids := addN(t, pl, 1)
	id := ids[0]

	fail := func(n int) {
		for i := 0; i < n; i++ {
			if err := pl.RecordFailure(id, errors.New("connect refused")); err != nil {
				t.Fatalf("RecordFailure: %v", err)
			}
		}
	}

	fail(2)
	if p, _ := pl.GetProxy(id); p.Status != StatusHealthy {
		t.Fatalf("2 failures should stay healthy, got %s", p.Status)
	}
	fail(1)
	if p, _ := pl.GetProxy(id); p.Status != StatusDegraded {
		t.Fatalf("3 consecutive failures should degrade, got %s", p.Status)
	}
	fail(2)
	p, _ := pl.GetProxy(id)
	if p.Status != StatusUnhealthy {
		t.Fatalf("5 consecutive failures should be unhealthy, got %s", p.Status)
	}
	// Unhealthy proxies are never handed out.
	if _, err := pl.GetNextProxy(nil); !errors.Is(err, ErrNoProxyAvailable) {
		t.Fatalf("unhealthy proxy must be unavailable, got %v", err)
	}

	// Success ladder: unhealthy -> degraded -> healthy.
	if err := pl.RecordSuccess(id, 120); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if p, _ := pl.GetProxy(id); p.Status != StatusDegraded {
		t.Fatalf("success while unhealthy should upgrade to degraded, got %s", p.Status)
	}
	if err := pl.RecordSuccess(id, 110); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if p, _ := pl.GetProxy(id); p.Status != StatusHealthy {
		t.Fatalf("success while degraded should upgrade to healthy, got %s", p.Status)
	}
}

func TestPool_AutoBlacklistAndExpiry(t *testing.T) {
	pl := New(Config{AutoBlacklist: true, AutoBlacklistThreshold: 5, AutoBlacklistDuration: 30 * time.Millisecond}, nil)
	ids := addN(t, pl, 1)
	id := ids[0]

	for i := 0; i < 5; i++ {
		pl.RecordFailure(id, errors.New("timeout"))
	}
	p, _ := pl.GetProxy(id)
	if p.Status != StatusBlacklisted || p.BlacklistedUntil.IsZero() {
		t.Fatalf("expected blacklisted with expiry, got %+v", p)
	}
	if _, err := pl.GetNextProxy(nil); !errors.Is(err, ErrNoProxyAvailable) {
		t.Fatalf("blacklisted proxy must be unavailable, got %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	got, err := pl.GetNextProxy(nil)
	if err != nil {
		t.Fatalf("expired blacklist should be available again: %v", err)
	}
	if got.Status != StatusDegraded {
		t.Fatalf("expired blacklist should demote to degraded, got %s", got.Status)
	}
}

func TestPool_Whitelist(t *testing.T) {
	pl := New(Config{}, nil)
	ids := addN(t, pl, 1)

	pl.BlacklistProxy(ids[0], time.Hour, "manual")
	if err := pl.WhitelistProxy(ids[0]); err != nil {
		t.Fatalf("WhitelistProxy: %v", err)
	}
	p, _ := pl.GetProxy(ids[0])
	if p.Status != StatusHealthy || p.ConsecutiveFailures != 0 || p.BlacklistReason != "" {
		t.Fatalf("whitelist should fully reset, got %+v", p)
	}
}

func TestPool_RateLimit(t *testing.T) {
	pl := New(Config{}, nil)
	p, err := pl.AddProxy(AddConfig{Type: TypeHTTP, Host: "10.0.0.9", Port: 9000, MaxRequestsPerMinute: 2})
	if err != nil {
		t.Fatalf("AddProxy: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := pl.GetNextProxy(nil); err != nil {
			t.Fatalf("GetNextProxy %d: %v", i, err)
		}
	}
	if _, err := pl.GetNextProxy(nil); !errors.Is(err, ErrNoProxyAvailable) {
		t.Fatalf("rate-limited proxy must be skipped, got %v", err)
	}
	_ = p
}

func TestPool_Filters(t *testing.T) {
	pl := New(Config{}, nil)
	us, _ := pl.AddProxy(AddConfig{Type: TypeHTTP, Host: "1.1.1.1", Port: 80, Country: "US", Tags: []string{"residential"}})
	de, _ := pl.AddProxy(AddConfig{Type: TypeSOCKS5, Host: "2.2.2.2", Port: 1080, Country: "DE"})

	got, err := pl.GetNextProxy(&Filter{Country: "us"})
	if err != nil || got.ID != us.ID {
		t.Fatalf("country filter: %v %v", got, err)
	}
	got, err = pl.GetNextProxy(&Filter{Type: TypeSOCKS5})
	if err != nil || got.ID != de.ID {
		t.Fatalf("type filter: %v %v", got, err)
	}
	if _, err := pl.GetNextProxy(&Filter{Tags: []string{"datacenter"}}); !errors.Is(err, ErrNoProxyAvailable) {
		t.Fatalf("tag filter should exclude all, got %v", err)
	}

	// Drive down the US proxy's success rate, then filter on it.
	pl.RecordFailure(us.ID, errors.New("reset"))
	got, err = pl.GetNextProxy(&Filter{MinSuccessRate: 0.5, Country: "US"})
	if !errors.Is(err, ErrNoProxyAvailable) {
		t.Fatalf("minSuccessRate filter should exclude failed proxy, got %v %v", got, err)
	}
}

func TestPool_SuccessRateDefaultsToOne(t *testing.T) {
	pl := New(Config{}, nil)
	ids := addN(t, pl, 1)
	p, _ := pl.GetProxy(ids[0])
	if p.SuccessRate() != 1.0 {
		t.Fatalf("unused proxy success rate = %f, want 1.0", p.SuccessRate())
	}
}

func TestPool_ResponseHistoryCapped(t *testing.T) {
	pl := New(Config{}, nil)
	ids := addN(t, pl, 1)
	for i := 0; i < 150; i++ {
		pl.RecordSuccess(ids[0], float64(i))
	}
	pl.mu.Lock()
	n := len(pl.proxies[ids[0]].responseTimes)
	avg := pl.proxies[ids[0]].AverageResponseTime
	pl.mu.Unlock()
	if n != responseHistoryCap {
		t.Fatalf("response history length = %d, want %d", n, responseHistoryCap)
	}
	// Average covers only the retained window (50..149).
	if avg != 99.5 {
		t.Fatalf("average = %f, want 99.5", avg)
	}
}

func TestPool_FastestPrefersLatencyData(t *testing.T) {
	pl := New(Config{Strategy: StrategyFastest}, nil)
	slow, _ := pl.AddProxy(AddConfig{Type: TypeHTTP, Host: "10.1.0.1", Port: 80})
	fast, _ := pl.AddProxy(AddConfig{Type: TypeHTTP, Host: "10.1.0.2", Port: 80})
	pl.RecordSuccess(slow.ID, 900)
	pl.RecordSuccess(fast.ID, 50)

	for i := 0; i < 5; i++ {
		got, err := pl.GetNextProxy(nil)
		if err != nil {
			t.Fatalf("GetNextProxy: %v", err)
		}
		if got.ID != fast.ID {
			t.Fatalf("fastest strategy picked %s", got.ID)
		}
	}
}

func TestPool_LeastUsed(t *testing.T) {
	pl := New(Config{Strategy: StrategyLeastUsed}, nil)
	busy, _ := pl.AddProxy(AddConfig{Type: TypeHTTP, Host: "10.2.0.1", Port: 80})
	idle, _ := pl.AddProxy(AddConfig{Type: TypeHTTP, Host: "10.2.0.2", Port: 80})
	for i := 0; i < 3; i++ {
		pl.RecordSuccess(busy.ID, 100)
	}
	got, err := pl.GetNextProxy(nil)
	if err != nil {
		t.Fatalf("GetNextProxy: %v", err)
	}
	if got.ID != idle.ID {
		t.Fatalf("least-used picked %s, want %s", got.ID, idle.ID)
	}
}

func TestPool_StrategyValidationAndClear(t *testing.T) {
	pl := New(Config{}, nil)
	addN(t, pl, 2)

	if err := pl.SetRotationStrategy("bogus"); !errors.Is(err, ErrBadStrategy) {
		t.Fatalf("expected ErrBadStrategy, got %v", err)
	}
	if err := pl.SetRotationStrategy(StrategyWeighted); err != nil {
		t.Fatalf("SetRotationStrategy: %v", err)
	}
	if pl.Strategy() != StrategyWeighted {
		t.Fatalf("strategy = %s", pl.Strategy())
	}

	pl.Clear()
	if len(pl.List()) != 0 {
		t.Fatal("Clear left proxies behind")
	}
}
