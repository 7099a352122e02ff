package pool

import (
	"context"
	"testing"
	"time"

	"github.com/veilcrawl/veilcrawl/events"
	"github.com/veilcrawl/veilcrawl/pagehost"
)

func fakeFactory() Factory {
	return func(ctx context.Context) (pagehost.Host, error) {
		return pagehost.NewFake(), nil
	}
}

func waitAvailable(t *testing.T, p *Pool, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p.Status().Available == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("available=%d, want %d", p.Status().Available, want)
}

func TestPool_Lifecycle(t *testing.T) {
	p := New(Config{
		MinPoolSize:         2,
		MaxPoolSize:         5,
		WarmupDelay:         10 * time.Millisecond,
		HealthCheckInterval: time.Hour, // keep the ticker out of this test
	}, fakeFactory(), events.NewBus())
	ctx := context.Background()

	p.Initialize(ctx)
	waitAvailable(t, p, 2)

	h := p.Acquire(ctx)
	if h == nil {
		t.Fatal("Acquire returned nil with warm entries")
	}
	if got := p.Status().Available; got != 1 {
		t.Fatalf("available after acquire = %d, want 1", got)
	}

	if !p.Recycle(ctx, h) {
		t.Fatal("Recycle returned false for a live host")
	}
	waitAvailable(t, p, 2)

	p.Drain(ctx)
	if got := p.Status().Available; got != 0 {
		t.Fatalf("available after drain = %d, want 0", got)
	}

	p.Cleanup()
	p.Cleanup() // idempotent
}

func TestPool_AcquireEmptyNeverBlocks(t *testing.T) {
	p := New(Config{MaxPoolSize: 2, WarmupDelay: 10 * time.Millisecond, HealthCheckInterval: time.Hour},
		fakeFactory(), nil)
	p.Initialize(context.Background())
	defer p.Cleanup()

	start := time.Now()
	if h := p.Acquire(context.Background()); h != nil {
		t.Fatal("expected nil from empty pool")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("Acquire blocked")
	}
	if p.Status().Stats.AcquireMisses != 1 {
		t.Fatalf("acquireMisses = %d, want 1", p.Status().Stats.AcquireMisses)
	}
}

func TestPool_RecycleRejectsNilAndDead(t *testing.T) {
	p := New(Config{MinPoolSize: 1, MaxPoolSize: 2, WarmupDelay: 10 * time.Millisecond, HealthCheckInterval: time.Hour},
		fakeFactory(), nil)
	ctx := context.Background()
	p.Initialize(ctx)
	defer p.Cleanup()
	waitAvailable(t, p, 1)

	if p.Recycle(ctx, nil) {
		t.Fatal("Recycle accepted nil host")
	}

	h := p.Acquire(ctx)
	h.(*pagehost.Fake).AliveResult = false
	if p.Recycle(ctx, h) {
		t.Fatal("Recycle accepted dead host")
	}
}

func TestPool_SizeInvariant(t *testing.T) {
	p := New(Config{MinPoolSize: 3, MaxPoolSize: 3, WarmupDelay: 5 * time.Millisecond, HealthCheckInterval: time.Hour},
		fakeFactory(), nil)
	ctx := context.Background()
	p.Initialize(ctx)
	defer p.Cleanup()
	waitAvailable(t, p, 3)

	// Extra warmups must not exceed MaxPoolSize.
	p.Warmup(ctx, 5)
	time.Sleep(50 * time.Millisecond)
	st := p.Status()
	if st.Available+st.AcquiredN > 3 {
		t.Fatalf("pool exceeded max: %+v", st)
	}
}

func TestPool_RecycleAtCapacityDisposes(t *testing.T) {
	p := New(Config{MinPoolSize: 0, MaxPoolSize: 2, WarmupDelay: 5 * time.Millisecond, HealthCheckInterval: time.Hour},
		fakeFactory(), nil)
	ctx := context.Background()
	p.Initialize(ctx)
	defer p.Cleanup()

	p.Warmup(ctx, 2)
	waitAvailable(t, p, 2)

	h := p.Acquire(ctx)

	// Shrink the pool while h is out; its slot no longer exists.
	p.UpdateConfig(Config{MinPoolSize: 0, MaxPoolSize: 1,
		WarmupDelay: 5 * time.Millisecond, HealthCheckInterval: time.Hour})

	if p.Recycle(ctx, h) {
		t.Fatal("Recycle should dispose when available slots are full")
	}
	if p.Status().Stats.Disposed == 0 {
		t.Fatal("expected a disposal")
	}
}

func TestPool_RecycleUnknownHost(t *testing.T) {
	p := New(Config{MaxPoolSize: 2, WarmupDelay: 5 * time.Millisecond, HealthCheckInterval: time.Hour},
		fakeFactory(), nil)
	p.Initialize(context.Background())
	defer p.Cleanup()

	stray := pagehost.NewFake()
	defer stray.Close()
	if p.Recycle(context.Background(), stray) {
		t.Fatal("Recycle accepted a host the pool does not own")
	}
}
