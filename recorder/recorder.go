// Package recorder captures user-interaction streams: throttled mouse and
// scroll events, masked sensitive input, checkpoints, and a hash-sealed
// recording that replays through exporters for third-party automation
// dialects.
package recorder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/veilcrawl/veilcrawl/events"
	"github.com/veilcrawl/veilcrawl/idgen"
)

// State is the recorder lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
)

// ErrInvalidState rejects transitions outside the legal machine:
// idle → recording → paused ↔ recording → stopped.
var ErrInvalidState = errors.New("recorder: invalid state transition")

// EventType tags a recorded interaction.
type EventType string

const (
	EventClick            EventType = "click"
	EventMouseDown        EventType = "mousedown"
	EventMouseUp          EventType = "mouseup"
	EventMouseMove        EventType = "mousemove"
	EventWheel            EventType = "wheel"
	EventKeyDown          EventType = "keydown"
	EventKeyUp            EventType = "keyup"
	EventInput            EventType = "input"
	EventScroll           EventType = "scroll"
	EventNavigation       EventType = "navigation"
	EventLoad             EventType = "load"
	EventResize           EventType = "resize"
	EventVisibilityChange EventType = "visibilitychange"
	EventFocus            EventType = "focus"
	EventBlur             EventType = "blur"
	EventHover            EventType = "hover"
	EventSelect           EventType = "select"
	EventChange           EventType = "change"
)

// Element describes the DOM node an event targeted.
type Element struct {
	Selector string `json:"selector,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Type     string `json:"type,omitempty"`
	Name     string `json:"name,omitempty"`
	ID       string `json:"id,omitempty"`
}

// Event is one recorded interaction.
type Event struct {
	Index        int            `json:"index"`
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	RelativeTime int64          `json:"relativeTime"` // ms since start, pauses excluded
	X            int            `json:"x,omitempty"`
	Y            int            `json:"y,omitempty"`
	Key          string         `json:"key,omitempty"`
	Value        string         `json:"value,omitempty"`
	Masked       bool           `json:"masked,omitempty"`
	URL          string         `json:"url,omitempty"`
	Element      *Element       `json:"element,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Checkpoint marks a named position in the event stream.
type Checkpoint struct {
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	EventIndex   int       `json:"eventIndex"`
	RelativeTime int64     `json:"relativeTime"`
	Timestamp    time.Time `json:"timestamp"`
	Auto         bool      `json:"auto,omitempty"`
}

// Stats summarizes a recording session.
type Stats struct {
	TotalEvents   int               `json:"totalEvents"`
	MaskedEvents  int               `json:"maskedEvents"`
	DroppedEvents int               `json:"droppedEvents"`
	ByType        map[EventType]int `json:"byType"`
}

// Options tunes a recorder.
type Options struct {
	MaskSensitiveData      bool
	MouseMoveThrottle      time.Duration
	ScrollThrottle         time.Duration
	MaxEvents              int
	AutoCheckpoint         bool
	AutoCheckpointInterval time.Duration

	RecordClicks     bool
	RecordMouseMoves bool
	RecordKeyboard   bool
	RecordInputs     bool
	RecordScrolls    bool
	RecordNavigation bool
	RecordPageEvents bool // load, resize, visibilitychange
	RecordFocus      bool // focus, blur, hover, select, change
}

// DefaultOptions records everything with masking on.
func DefaultOptions() Options {
	return Options{
		MaskSensitiveData:      true,
		MouseMoveThrottle:      50 * time.Millisecond,
		ScrollThrottle:         50 * time.Millisecond,
		MaxEvents:              10000,
		AutoCheckpointInterval: 30 * time.Second,
		RecordClicks:           true,
		RecordMouseMoves:       true,
		RecordKeyboard:         true,
		RecordInputs:           true,
		RecordScrolls:          true,
		RecordNavigation:       true,
		RecordPageEvents:       true,
		RecordFocus:            true,
	}
}

// Recording is the sealed output of a session.
type Recording struct {
	ID          string            `json:"id"`
	StartedAt   time.Time         `json:"startedAt"`
	StoppedAt   time.Time         `json:"stoppedAt"`
	DurationMs  int64             `json:"durationMs"` // active time, pauses excluded
	Events      []Event           `json:"events"`
	Checkpoints []Checkpoint      `json:"checkpoints"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Stats       Stats             `json:"stats"`
	Hash        string            `json:"hash"` // SHA-256 over the canonical body
}

// sensitiveName matches field names whose values must never be recorded
// in clear text.
var sensitiveName = regexp.MustCompile(`(?i)password|email|credit(card)?|cc-|ssn|token|auth|key|secret`)

// Recorder drives one recording session.
type Recorder struct {
	mu    sync.Mutex
	opts  Options
	state State
	bus   *events.Bus

	id          string
	startedAt   time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
	evs         []Event
	checkpoints []Checkpoint
	metadata    map[string]string
	stats       Stats

	lastMoveAt      time.Time
	lastScrollAt    time.Time
	maxEventsSent   bool
	autoStop        chan struct{}
	autoDone        chan struct{}
	autoCheckpoints int
}

// New creates an idle Recorder.
func New(opts Options, bus *events.Bus) *Recorder {
	if opts.MouseMoveThrottle <= 0 {
		opts.MouseMoveThrottle = 50 * time.Millisecond
	}
	if opts.ScrollThrottle <= 0 {
		opts.ScrollThrottle = 50 * time.Millisecond
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = 10000
	}
	if opts.AutoCheckpointInterval <= 0 {
		opts.AutoCheckpointInterval = 30 * time.Second
	}
	return &Recorder{
		opts:  opts,
		state: StateIdle,
		bus:   bus,
		stats: Stats{ByType: make(map[EventType]int)},
	}
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start begins recording. Legal only from idle.
func (r *Recorder) Start(ctx context.Context, metadata map[string]string) error {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, r.state)
	}
	r.state = StateRecording
	r.id = idgen.Prefixed("rec_", idgen.Default)()
	r.startedAt = time.Now()
	r.metadata = metadata
	r.mu.Unlock()

	if r.opts.AutoCheckpoint {
		r.autoStop = make(chan struct{})
		r.autoDone = make(chan struct{})
		go r.autoCheckpointLoop(ctx)
	}
	r.emit("recording-started", map[string]any{"id": r.id})
	return nil
}

func (r *Recorder) autoCheckpointLoop(ctx context.Context) {
	defer close(r.autoDone)
	ticker := time.NewTicker(r.opts.AutoCheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.autoStop:
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.state == StateRecording {
				r.autoCheckpoints++
				r.addCheckpointLocked(fmt.Sprintf("auto-%d", r.autoCheckpoints), "", true)
			}
			r.mu.Unlock()
		}
	}
}

// Pause suspends recording. Legal only from recording.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		return fmt.Errorf("%w: pause from %s", ErrInvalidState, r.state)
	}
	r.state = StatePaused
	r.pausedAt = time.Now()
	return nil
}

// Resume continues a paused recording.
func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidState, r.state)
	}
	r.pausedTotal += time.Since(r.pausedAt)
	r.state = StateRecording
	return nil
}

// Stop seals the recording. Legal from recording or paused.
func (r *Recorder) Stop() (*Recording, error) {
	r.mu.Lock()
	if r.state != StateRecording && r.state != StatePaused {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: stop from %s", ErrInvalidState, r.state)
	}
	if r.state == StatePaused {
		r.pausedTotal += time.Since(r.pausedAt)
	}
	r.state = StateStopped
	now := time.Now()

	rec := &Recording{
		ID:          r.id,
		StartedAt:   r.startedAt,
		StoppedAt:   now,
		DurationMs:  (now.Sub(r.startedAt) - r.pausedTotal).Milliseconds(),
		Events:      append([]Event(nil), r.evs...),
		Checkpoints: append([]Checkpoint(nil), r.checkpoints...),
		Metadata:    r.metadata,
		Stats:       r.statsCopyLocked(),
	}
	r.mu.Unlock()

	if r.autoStop != nil {
		close(r.autoStop)
		<-r.autoDone
	}

	hash, err := canonicalHash(rec)
	if err != nil {
		return nil, err
	}
	rec.Hash = hash

	r.emit("recording-stopped", map[string]any{"id": rec.ID, "events": len(rec.Events)})
	return rec, nil
}

func (r *Recorder) statsCopyLocked() Stats {
	s := r.stats
	s.ByType = make(map[EventType]int, len(r.stats.ByType))
	for k, v := range r.stats.ByType {
		s.ByType[k] = v
	}
	return s
}

// canonicalHash computes SHA-256 over the canonical JSON of the events,
// checkpoints and metadata. The hash field itself is excluded.
func canonicalHash(rec *Recording) (string, error) {
	body := struct {
		Events      []Event           `json:"events"`
		Checkpoints []Checkpoint      `json:"checkpoints"`
		Metadata    map[string]string `json:"metadata"`
	}{rec.Events, rec.Checkpoints, rec.Metadata}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("recorder: canonicalize: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyHash recomputes a sealed recording's hash and compares.
func VerifyHash(rec *Recording) (bool, error) {
	hash, err := canonicalHash(rec)
	if err != nil {
		return false, err
	}
	return hash == rec.Hash, nil
}

// CreateCheckpoint marks the current position in the stream.
func (r *Recorder) CreateCheckpoint(name, description string) (*Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording && r.state != StatePaused {
		return nil, fmt.Errorf("%w: checkpoint from %s", ErrInvalidState, r.state)
	}
	cp := r.addCheckpointLocked(name, description, false)
	return &cp, nil
}

func (r *Recorder) addCheckpointLocked(name, description string, auto bool) Checkpoint {
	cp := Checkpoint{
		Name:         name,
		Description:  description,
		EventIndex:   len(r.evs),
		RelativeTime: r.relativeLocked(time.Now()),
		Timestamp:    time.Now(),
		Auto:         auto,
	}
	r.checkpoints = append(r.checkpoints, cp)
	return cp
}

func (r *Recorder) relativeLocked(now time.Time) int64 {
	return (now.Sub(r.startedAt) - r.pausedTotal).Milliseconds()
}

// Stats returns a snapshot of the session counters.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsCopyLocked()
}

// Events returns a copy of the events recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.evs...)
}

func (r *Recorder) emit(kind string, data map[string]any) {
	if r.bus != nil {
		r.bus.Emit("recorder", kind, data)
	}
}
