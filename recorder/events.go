package recorder

import "time"

// append path shared by all record primitives. Caller does NOT hold mu.
// Returns false when the event was dropped (not recording, flag off, or
// the max-events guard fired).
func (r *Recorder) appendEvent(ev Event, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording || !enabled {
		return false
	}
	if len(r.evs) >= r.opts.MaxEvents {
		r.stats.DroppedEvents++
		if !r.maxEventsSent {
			r.maxEventsSent = true
			go r.emit("max-events-reached", map[string]any{"maxEvents": r.opts.MaxEvents})
		}
		return false
	}

	now := time.Now()
	ev.Index = len(r.evs)
	ev.Timestamp = now
	ev.RelativeTime = r.relativeLocked(now)
	r.evs = append(r.evs, ev)
	r.stats.TotalEvents++
	r.stats.ByType[ev.Type]++
	if ev.Masked {
		r.stats.MaskedEvents++
	}
	return true
}

// appendThrottled coalesces high-frequency events: within the throttle
// window the previously appended event of the same type is updated in
// place, so only the last event per window survives.
func (r *Recorder) appendThrottled(ev Event, enabled bool, last *time.Time, window time.Duration) bool {
	r.mu.Lock()
	if r.state != StateRecording || !enabled {
		r.mu.Unlock()
		return false
	}
	now := time.Now()
	if !last.IsZero() && now.Sub(*last) < window && len(r.evs) > 0 {
		if prev := &r.evs[len(r.evs)-1]; prev.Type == ev.Type {
			prev.X = ev.X
			prev.Y = ev.Y
			prev.Extra = ev.Extra
			prev.Timestamp = now
			prev.RelativeTime = r.relativeLocked(now)
			r.mu.Unlock()
			return true
		}
	}
	*last = now
	r.mu.Unlock()
	return r.appendEvent(ev, enabled)
}

// maskValue applies the sensitive-data policy to an input value.
func (r *Recorder) maskValue(el *Element, value string) (string, bool) {
	if !r.opts.MaskSensitiveData || el == nil {
		return value, false
	}
	if el.Type == "password" || el.Type == "email" || sensitiveName.MatchString(el.Name) {
		return "***", true
	}
	return value, false
}

// RecordClick records a mouse click.
func (r *Recorder) RecordClick(x, y int, el *Element) bool {
	return r.appendEvent(Event{Type: EventClick, X: x, Y: y, Element: el}, r.opts.RecordClicks)
}

// RecordMouseDown records a button press.
func (r *Recorder) RecordMouseDown(x, y int, el *Element) bool {
	return r.appendEvent(Event{Type: EventMouseDown, X: x, Y: y, Element: el}, r.opts.RecordClicks)
}

// RecordMouseUp records a button release.
func (r *Recorder) RecordMouseUp(x, y int, el *Element) bool {
	return r.appendEvent(Event{Type: EventMouseUp, X: x, Y: y, Element: el}, r.opts.RecordClicks)
}

// RecordMouseMove records a pointer move, throttled to one event per
// MouseMoveThrottle window carrying the latest coordinates.
func (r *Recorder) RecordMouseMove(x, y int) bool {
	return r.appendThrottled(Event{Type: EventMouseMove, X: x, Y: y},
		r.opts.RecordMouseMoves, &r.lastMoveAt, r.opts.MouseMoveThrottle)
}

// RecordWheel records a wheel gesture.
func (r *Recorder) RecordWheel(deltaX, deltaY int) bool {
	return r.appendEvent(Event{Type: EventWheel, Extra: map[string]any{"deltaX": deltaX, "deltaY": deltaY}},
		r.opts.RecordScrolls)
}

// RecordKeyDown records a key press; keys on password fields are masked.
func (r *Recorder) RecordKeyDown(key string, el *Element) bool {
	masked := false
	if r.opts.MaskSensitiveData && el != nil && el.Type == "password" {
		key, masked = "***", true
	}
	return r.appendEvent(Event{Type: EventKeyDown, Key: key, Element: el, Masked: masked}, r.opts.RecordKeyboard)
}

// RecordKeyUp records a key release; keys on password fields are masked.
func (r *Recorder) RecordKeyUp(key string, el *Element) bool {
	masked := false
	if r.opts.MaskSensitiveData && el != nil && el.Type == "password" {
		key, masked = "***", true
	}
	return r.appendEvent(Event{Type: EventKeyUp, Key: key, Element: el, Masked: masked}, r.opts.RecordKeyboard)
}

// RecordInput records a value change, masking sensitive fields.
func (r *Recorder) RecordInput(value string, el *Element) bool {
	v, masked := r.maskValue(el, value)
	return r.appendEvent(Event{Type: EventInput, Value: v, Masked: masked, Element: el}, r.opts.RecordInputs)
}

// RecordScroll records a scroll position, throttled like mouse moves.
func (r *Recorder) RecordScroll(x, y int) bool {
	return r.appendThrottled(Event{Type: EventScroll, X: x, Y: y},
		r.opts.RecordScrolls, &r.lastScrollAt, r.opts.ScrollThrottle)
}

// RecordNavigation records a URL change.
func (r *Recorder) RecordNavigation(url string) bool {
	return r.appendEvent(Event{Type: EventNavigation, URL: url}, r.opts.RecordNavigation)
}

// RecordLoad records a page load completion.
func (r *Recorder) RecordLoad(url string) bool {
	return r.appendEvent(Event{Type: EventLoad, URL: url}, r.opts.RecordPageEvents)
}

// RecordResize records a window resize.
func (r *Recorder) RecordResize(width, height int) bool {
	return r.appendEvent(Event{Type: EventResize, Extra: map[string]any{"width": width, "height": height}},
		r.opts.RecordPageEvents)
}

// RecordVisibilityChange records a tab visibility flip.
func (r *Recorder) RecordVisibilityChange(visible bool) bool {
	return r.appendEvent(Event{Type: EventVisibilityChange, Extra: map[string]any{"visible": visible}},
		r.opts.RecordPageEvents)
}

// RecordFocus records focus entering an element.
func (r *Recorder) RecordFocus(el *Element) bool {
	return r.appendEvent(Event{Type: EventFocus, Element: el}, r.opts.RecordFocus)
}

// RecordBlur records focus leaving an element.
func (r *Recorder) RecordBlur(el *Element) bool {
	return r.appendEvent(Event{Type: EventBlur, Element: el}, r.opts.RecordFocus)
}

// RecordHover records a pointer hover over an element.
func (r *Recorder) RecordHover(el *Element) bool {
	return r.appendEvent(Event{Type: EventHover, Element: el}, r.opts.RecordFocus)
}

// RecordSelect records a text selection.
func (r *Recorder) RecordSelect(value string, el *Element) bool {
	v, masked := r.maskValue(el, value)
	return r.appendEvent(Event{Type: EventSelect, Value: v, Masked: masked, Element: el}, r.opts.RecordFocus)
}

// RecordChange records a committed value change.
func (r *Recorder) RecordChange(value string, el *Element) bool {
	v, masked := r.maskValue(el, value)
	return r.appendEvent(Event{Type: EventChange, Value: v, Masked: masked, Element: el}, r.opts.RecordInputs)
}
