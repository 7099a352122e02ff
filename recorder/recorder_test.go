package recorder

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func startRecorder(t *testing.T, opts Options) *Recorder {
	t.Helper()
	r := New(opts, nil)
	if err := r.Start(context.Background(), map[string]string{"case": "T-100"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return r
}

func TestRecorder_StateMachine(t *testing.T) {
	r := New(DefaultOptions(), nil)

	if err := r.Pause(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("pause from idle should fail, got %v", err)
	}
	if _, err := r.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("stop from idle should fail, got %v", err)
	}
	if err := r.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(context.Background(), nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double start should fail, got %v", err)
	}
	if err := r.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := r.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", r.State())
	}
}

func TestRecorder_PausedEventsDropped(t *testing.T) {
	r := startRecorder(t, DefaultOptions())
	r.Pause()
	if r.RecordClick(1, 2, nil) {
		t.Fatal("click while paused should be a no-op")
	}
	r.Resume()
	if !r.RecordClick(1, 2, nil) {
		t.Fatal("click after resume should record")
	}
}

func TestRecorder_OptionFlagsGate(t *testing.T) {
	opts := DefaultOptions()
	opts.RecordMouseMoves = false
	r := startRecorder(t, opts)

	if r.RecordMouseMove(10, 10) {
		t.Fatal("mouse move recorded despite flag off")
	}
	if !r.RecordNavigation("https://ex.com") {
		t.Fatal("navigation should record")
	}
}

func TestRecorder_MouseMoveThrottling(t *testing.T) {
	opts := DefaultOptions()
	opts.MouseMoveThrottle = 200 * time.Millisecond
	r := startRecorder(t, opts)

	r.RecordMouseMove(1, 1)
	r.RecordMouseMove(2, 2)
	r.RecordMouseMove(3, 3) // same window: coalesced into one event

	evs := r.Events()
	if len(evs) != 1 {
		t.Fatalf("events = %d, want 1 coalesced move", len(evs))
	}
	if evs[0].X != 3 || evs[0].Y != 3 {
		t.Fatalf("coalesced move should carry last coords, got (%d,%d)", evs[0].X, evs[0].Y)
	}

	time.Sleep(220 * time.Millisecond)
	r.RecordMouseMove(9, 9) // new window
	if got := len(r.Events()); got != 2 {
		t.Fatalf("events = %d, want 2 after window elapsed", got)
	}
}

func TestRecorder_Masking(t *testing.T) {
	r := startRecorder(t, DefaultOptions())

	r.RecordInput("hunter2", &Element{Selector: "#pw", Type: "password"})
	r.RecordInput("me@example.com", &Element{Selector: "#em", Type: "email"})
	r.RecordInput("4111111111111111", &Element{Selector: "#cc", Name: "creditcard_number", Type: "text"})
	r.RecordInput("hello", &Element{Selector: "#msg", Name: "message", Type: "text"})
	r.RecordKeyDown("a", &Element{Type: "password"})

	evs := r.Events()
	for _, ev := range evs[:3] {
		if ev.Value != "***" || !ev.Masked {
			t.Fatalf("sensitive input not masked: %+v", ev)
		}
	}
	if evs[3].Masked || evs[3].Value != "hello" {
		t.Fatalf("benign input masked: %+v", evs[3])
	}
	if evs[4].Key != "***" || !evs[4].Masked {
		t.Fatalf("password keystroke not masked: %+v", evs[4])
	}
	if r.Stats().MaskedEvents != 4 {
		t.Fatalf("maskedEvents = %d, want 4", r.Stats().MaskedEvents)
	}
}

func TestRecorder_MaskingDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.MaskSensitiveData = false
	r := startRecorder(t, opts)
	r.RecordInput("hunter2", &Element{Type: "password"})
	if ev := r.Events()[0]; ev.Value != "hunter2" || ev.Masked {
		t.Fatalf("masking off should record raw value: %+v", ev)
	}
}

func TestRecorder_MaxEventsGuard(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxEvents = 3
	r := startRecorder(t, opts)

	for i := 0; i < 5; i++ {
		r.RecordClick(i, i, nil)
	}
	if got := len(r.Events()); got != 3 {
		t.Fatalf("events = %d, want cap 3", got)
	}
	if r.Stats().DroppedEvents != 2 {
		t.Fatalf("droppedEvents = %d, want 2", r.Stats().DroppedEvents)
	}
}

func TestRecorder_Checkpoints(t *testing.T) {
	r := startRecorder(t, DefaultOptions())
	r.RecordClick(1, 1, nil)
	r.RecordClick(2, 2, nil)

	cp, err := r.CreateCheckpoint("after-login", "both clicks done")
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if cp.EventIndex != 2 {
		t.Fatalf("eventIndex = %d, want 2", cp.EventIndex)
	}
	if cp.RelativeTime < 0 {
		t.Fatalf("relativeTime negative: %d", cp.RelativeTime)
	}
}

func TestRecorder_PauseExcludedFromRelativeTime(t *testing.T) {
	r := startRecorder(t, DefaultOptions())
	r.Pause()
	time.Sleep(120 * time.Millisecond)
	r.Resume()
	r.RecordClick(1, 1, nil)

	ev := r.Events()[0]
	if ev.RelativeTime >= 100 {
		t.Fatalf("paused time leaked into relativeTime: %dms", ev.RelativeTime)
	}
}

func TestRecorder_StopSealsAndVerifies(t *testing.T) {
	r := startRecorder(t, DefaultOptions())
	r.RecordNavigation("https://ex.com/login")
	r.RecordInput("alice", &Element{Selector: "#user", Name: "username"})
	r.CreateCheckpoint("filled", "")

	rec, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rec.Hash == "" || len(rec.Events) != 2 || len(rec.Checkpoints) != 1 {
		t.Fatalf("sealed recording incomplete: %+v", rec)
	}

	ok, err := VerifyHash(rec)
	if err != nil || !ok {
		t.Fatalf("VerifyHash on untouched recording: ok=%v err=%v", ok, err)
	}

	// Any tamper breaks the seal.
	rec.Events[0].URL = "https://evil.example/"
	ok, err = VerifyHash(rec)
	if err != nil || ok {
		t.Fatalf("VerifyHash on tampered recording: ok=%v err=%v", ok, err)
	}
}

func sampleRecording(t *testing.T) *Recording {
	t.Helper()
	r := startRecorder(t, DefaultOptions())
	r.RecordNavigation("https://ex.com/login")
	r.RecordClick(10, 20, &Element{Selector: "#submit"})
	r.RecordInput("alice \"admin\"", &Element{Selector: "#user", Name: "username"})
	r.appendEvent(Event{Type: "teleport"}, true) // unknown type for dialect fallback
	rec, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	return rec
}

func TestExport_SeleniumPython(t *testing.T) {
	rec := sampleRecording(t)
	out, err := Export(rec, ExportSelenium, ExportOptions{IncludeImports: true, IncludeSetup: true})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	for _, want := range []string{
		"from selenium import webdriver",
		`driver.get("https://ex.com/login")`,
		`driver.find_element(By.CSS_SELECTOR, "#submit").click()`,
		`send_keys("alice \"admin\"")`,
		"# Unsupported action: teleport",
		"driver.quit()",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("selenium export missing %q\n%s", want, out)
		}
	}
}

func TestExport_PuppeteerAndPlaywright(t *testing.T) {
	rec := sampleRecording(t)

	pup, err := Export(rec, ExportPuppeteer, ExportOptions{IncludeImports: true, IncludeSetup: true})
	if err != nil {
		t.Fatalf("Export puppeteer: %v", err)
	}
	for _, want := range []string{
		"require('puppeteer')",
		`await page.goto("https://ex.com/login");`,
		`await page.click("#submit");`,
		"// Unsupported action: teleport",
	} {
		if !strings.Contains(pup, want) {
			t.Errorf("puppeteer export missing %q", want)
		}
	}

	pw, err := Export(rec, ExportPlaywright, ExportOptions{IncludeSetup: true, PageVar: "pg", ContextVar: "ctx"})
	if err != nil {
		t.Fatalf("Export playwright: %v", err)
	}
	for _, want := range []string{
		"const ctx = await browser.newContext();",
		`await pg.goto("https://ex.com/login");`,
	} {
		if !strings.Contains(pw, want) {
			t.Errorf("playwright export missing %q", want)
		}
	}

	if _, err := Export(rec, "cypress", ExportOptions{}); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestExport_JSONRoundTrips(t *testing.T) {
	rec := sampleRecording(t)
	out, err := Export(rec, ExportJSON, ExportOptions{})
	if err != nil {
		t.Fatalf("Export json: %v", err)
	}
	if !strings.Contains(out, rec.Hash) || !strings.Contains(out, `"events"`) {
		t.Fatalf("json export incomplete")
	}
}
