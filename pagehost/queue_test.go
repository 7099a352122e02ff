package pagehost

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestCmdQueue_FIFOOrder(t *testing.T) {
	q := newCmdQueue(16)
	defer q.close()

	var mu sync.Mutex
	var order []int

	// Enqueue from one goroutine so submission order is deterministic.
	for i := 0; i < 10; i++ {
		i := i
		if err := q.do(context.Background(), func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("do(%d): %v", i, err)
		}
	}

	for i, v := range order {
		if v != i {
			t.Fatalf("execution out of order: %v", order)
		}
	}
}

func TestCmdQueue_ContextCancelSkips(t *testing.T) {
	q := newCmdQueue(16)
	defer q.close()

	block := make(chan struct{})
	go q.do(context.Background(), func() { <-block })

	// Give the blocker time to start.
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err := q.do(ctx, func() { ran = true })
	if err == nil {
		t.Fatal("expected context error")
	}
	close(block)

	time.Sleep(20 * time.Millisecond)
	if ran {
		t.Fatal("cancelled command still ran")
	}
}

func TestCmdQueue_CloseDuringSubmissions(t *testing.T) {
	// Submitters hammering do() while close() lands must never panic on
	// a closed channel; they end with ErrHostClosed.
	for iter := 0; iter < 25; iter++ {
		q := newCmdQueue(4)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for q.do(context.Background(), func() {}) == nil {
				}
			}()
		}
		time.Sleep(time.Millisecond)
		q.close()
		wg.Wait()
		if err := q.do(context.Background(), func() {}); err != ErrHostClosed {
			t.Fatalf("post-close do: %v", err)
		}
	}
}

func TestCmdQueue_CloseRejectsSubmissions(t *testing.T) {
	q := newCmdQueue(4)
	q.close()
	if err := q.do(context.Background(), func() {}); err != ErrHostClosed {
		t.Fatalf("expected ErrHostClosed, got %v", err)
	}
	// Idempotent close.
	q.close()
}

func TestFake_ImplementsHost(t *testing.T) {
	var _ Host = NewFake()
}

func TestFake_CookieRoundTrip(t *testing.T) {
	f := NewFake()
	defer f.Close()
	ctx := context.Background()

	c := Cookie{Name: "sid", Value: "abc", Domain: "example.com", Path: "/"}
	if err := f.SetCookie(ctx, c); err != nil {
		t.Fatalf("SetCookie: %v", err)
	}
	got, err := f.Cookies(ctx, CookieFilter{Domain: "example.com"})
	if err != nil {
		t.Fatalf("Cookies: %v", err)
	}
	if len(got) != 1 || got[0].Value != "abc" {
		t.Fatalf("unexpected cookies: %+v", got)
	}

	if err := f.RemoveCookie(ctx, "https://example.com", "sid"); err != nil {
		t.Fatalf("RemoveCookie: %v", err)
	}
	got, _ = f.Cookies(ctx, CookieFilter{})
	if len(got) != 0 {
		t.Fatalf("cookie not removed: %+v", got)
	}
}

func TestFake_CloseIdempotent(t *testing.T) {
	f := NewFake()
	if err := f.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if f.IsAlive() {
		t.Fatal("closed host reports alive")
	}
	if err := f.SetCookie(context.Background(), Cookie{Name: "x"}); err != ErrHostClosed {
		t.Fatalf("expected ErrHostClosed, got %v", err)
	}
}

func TestFake_EmitEventAfterClose(t *testing.T) {
	f := NewFake()
	f.Close()
	// An event racing Close is dropped, never a panic.
	f.EmitEvent(Event{Kind: EventDidNavigate, URL: "https://late.example/"})
	select {
	case ev := <-f.Events():
		t.Fatalf("event delivered after close: %+v", ev)
	default:
	}
}
