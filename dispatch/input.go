package dispatch

import (
	"context"
	"fmt"
	"time"
)

// JS snippets for synthesized interaction. All run through the page
// host's serialized evaluate queue.
const (
	existsJS = `(sel) => document.querySelector(sel) !== null`

	clickSelectorJS = `(sel) => {
		const el = document.querySelector(sel);
		if (!el) return false;
		el.scrollIntoView({block: 'center'});
		el.click();
		return true;
	}`

	clickPointJS = `(x, y) => {
		const el = document.elementFromPoint(x, y);
		if (!el) return false;
		for (const type of ['mousedown', 'mouseup', 'click']) {
			el.dispatchEvent(new MouseEvent(type, {bubbles: true, clientX: x, clientY: y}));
		}
		return true;
	}`

	mouseMoveJS = `(x, y) => {
		const el = document.elementFromPoint(x, y) || document.body;
		el.dispatchEvent(new MouseEvent('mousemove', {bubbles: true, clientX: x, clientY: y}));
		return true;
	}`

	mouseDragJS = `(x1, y1, x2, y2) => {
		const from = document.elementFromPoint(x1, y1) || document.body;
		const to = document.elementFromPoint(x2, y2) || document.body;
		from.dispatchEvent(new MouseEvent('mousedown', {bubbles: true, clientX: x1, clientY: y1}));
		to.dispatchEvent(new MouseEvent('mousemove', {bubbles: true, clientX: x2, clientY: y2}));
		to.dispatchEvent(new MouseEvent('mouseup', {bubbles: true, clientX: x2, clientY: y2}));
		return true;
	}`

	typeTextJS = `(sel, text) => {
		const el = document.querySelector(sel);
		if (!el) return false;
		el.focus();
		const proto = el.tagName === 'TEXTAREA'
			? window.HTMLTextAreaElement.prototype
			: window.HTMLInputElement.prototype;
		const setter = Object.getOwnPropertyDescriptor(proto, 'value');
		if (setter && setter.set) { setter.set.call(el, text); } else { el.value = text; }
		el.dispatchEvent(new Event('input', {bubbles: true}));
		el.dispatchEvent(new Event('change', {bubbles: true}));
		return true;
	}`

	keyPressJS = `(key, modifiers) => {
		const target = document.activeElement || document.body;
		const init = {key: key, bubbles: true};
		for (const m of modifiers) {
			if (m === 'Control') init.ctrlKey = true;
			if (m === 'Shift') init.shiftKey = true;
			if (m === 'Alt') init.altKey = true;
			if (m === 'Meta') init.metaKey = true;
		}
		target.dispatchEvent(new KeyboardEvent('keydown', init));
		target.dispatchEvent(new KeyboardEvent('keyup', init));
		return true;
	}`
)

// KeyboardLayouts enumerates the layouts type_text understands; the text
// itself is layout-independent but clients use this to pick key codes.
var KeyboardLayouts = []string{"qwerty", "qwertz", "azerty", "dvorak", "colemak"}

// SpecialKeys lists the named keys accepted by key_press and
// key_combination.
var SpecialKeys = []string{
	"Enter", "Tab", "Escape", "Backspace", "Delete", "Insert",
	"Home", "End", "PageUp", "PageDown",
	"ArrowUp", "ArrowDown", "ArrowLeft", "ArrowRight",
	"F1", "F2", "F3", "F4", "F5", "F6", "F7", "F8", "F9", "F10", "F11", "F12",
	"Control", "Shift", "Alt", "Meta", "CapsLock", "Space",
}

func registerInputCommands(reg *Registry, d *Deps) {
	evalOK := func(ctx context.Context, args Args, code string, what string, jsArgs ...any) (Result, error) {
		h, _, err := d.hostFor(args)
		if err != nil {
			return nil, err
		}
		value, err := h.Evaluate(ctx, code, jsArgs...)
		if err != nil {
			return nil, err
		}
		if b, ok := value.(bool); ok && !b {
			return nil, fmt.Errorf("%s: target not found", what)
		}
		return Result{"done": true}, nil
	}

	reg.Register("click", []string{"selector"}, func(ctx context.Context, args Args) (Result, error) {
		sel := args.String("selector")
		res, err := evalOK(ctx, args, clickSelectorJS, "click", sel)
		if err == nil && d.Recorder != nil {
			d.Recorder.RecordClick(args.Int("x", 0), args.Int("y", 0), nil)
		}
		return res, err
	})
	reg.Alias("click_at_element", "click")

	reg.Register("type_text", []string{"selector", "text"}, func(ctx context.Context, args Args) (Result, error) {
		sel, text := args.String("selector"), args.String("text")
		delay := time.Duration(args.Int("delay", 0)) * time.Millisecond
		if delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		return evalOK(ctx, args, typeTextJS, "type_text", sel, text)
	})

	reg.Register("key_press", []string{"key"}, func(ctx context.Context, args Args) (Result, error) {
		key := args.String("key")
		res, err := evalOK(ctx, args, keyPressJS, "key_press", key, []string{})
		if err == nil && d.Recorder != nil {
			d.Recorder.RecordKeyDown(key, nil)
			d.Recorder.RecordKeyUp(key, nil)
		}
		return res, err
	})

	reg.Register("key_combination", []string{"keys"}, func(ctx context.Context, args Args) (Result, error) {
		keys := args.Strings("keys")
		if len(keys) == 0 {
			return nil, fmt.Errorf("keys is required")
		}
		// Last entry is the key, the rest are modifiers.
		modifiers, key := keys[:len(keys)-1], keys[len(keys)-1]
		return evalOK(ctx, args, keyPressJS, "key_combination", key, modifiers)
	})

	reg.Register("mouse_move", []string{"x", "y"}, func(ctx context.Context, args Args) (Result, error) {
		x, y := args.Int("x", 0), args.Int("y", 0)
		res, err := evalOK(ctx, args, mouseMoveJS, "mouse_move", x, y)
		if err == nil && d.Recorder != nil {
			d.Recorder.RecordMouseMove(x, y)
		}
		return res, err
	})

	reg.Register("mouse_click", []string{"x", "y"}, func(ctx context.Context, args Args) (Result, error) {
		x, y := args.Int("x", 0), args.Int("y", 0)
		res, err := evalOK(ctx, args, clickPointJS, "mouse_click", x, y)
		if err == nil && d.Recorder != nil {
			d.Recorder.RecordClick(x, y, nil)
		}
		return res, err
	})

	reg.Register("mouse_drag", []string{"fromX", "fromY", "toX", "toY"}, func(ctx context.Context, args Args) (Result, error) {
		return evalOK(ctx, args, mouseDragJS, "mouse_drag",
			args.Int("fromX", 0), args.Int("fromY", 0), args.Int("toX", 0), args.Int("toY", 0))
	})

	reg.Register("keyboard_layouts", nil, func(ctx context.Context, args Args) (Result, error) {
		return Result{"layouts": KeyboardLayouts}, nil
	})

	reg.Register("special_keys", nil, func(ctx context.Context, args Args) (Result, error) {
		return Result{"keys": SpecialKeys}, nil
	})
}
