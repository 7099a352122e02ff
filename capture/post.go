package capture

import (
	"context"
	"fmt"
	"strings"

	"github.com/veilcrawl/veilcrawl/pagehost"
)

// HighlightOptions styles the outline drawn around highlighted elements.
type HighlightOptions struct {
	Color       string  // CSS color, default red
	Opacity     float64 // 0..1, default 0.3
	BorderWidth int     // px, default 3
	Capture     pagehost.CaptureOptions
}

const highlightJS = `(selectors, color, opacity, border) => {
	const marks = [];
	for (const sel of selectors) {
		for (const el of document.querySelectorAll(sel)) {
			marks.push({el, outline: el.style.outline, bg: el.style.backgroundColor});
			el.style.outline = border + 'px solid ' + color;
			el.style.backgroundColor = 'rgba(255,0,0,' + opacity + ')';
		}
	}
	window.__vc_marks = marks;
	return marks.length;
}`

const unhighlightJS = `() => {
	for (const m of window.__vc_marks || []) {
		m.el.style.outline = m.outline;
		m.el.style.backgroundColor = m.bg;
	}
	delete window.__vc_marks;
}`

// WithHighlights outlines the selected elements, captures the viewport,
// and restores the page. An empty selector list is rejected.
func (m *Manager) WithHighlights(ctx context.Context, h pagehost.Host, selectors []string, opts HighlightOptions) (*Shot, error) {
	if len(selectors) == 0 {
		return nil, ErrEmptyInput
	}
	if opts.Color == "" {
		opts.Color = "red"
	}
	if opts.Opacity <= 0 {
		opts.Opacity = 0.3
	}
	if opts.BorderWidth <= 0 {
		opts.BorderWidth = 3
	}

	if _, err := h.Evaluate(ctx, highlightJS, selectors, opts.Color, opts.Opacity, opts.BorderWidth); err != nil {
		return nil, fmt.Errorf("capture: highlight: %w", err)
	}
	shot, err := m.Viewport(ctx, h, opts.Capture)
	// Restore the page even when the capture failed.
	if _, uerr := h.Evaluate(ctx, unhighlightJS); uerr != nil {
		m.logger.Warn("capture: failed to clear highlights", "error", uerr)
	}
	if err != nil {
		return nil, err
	}
	shot.Metadata.CaptureInfo.Custom = map[string]string{
		"mode":      "highlights",
		"selectors": strings.Join(selectors, ","),
	}
	return shot, nil
}

// PIIPattern names a built-in sensitive-text matcher for blurring.
type PIIPattern string

const (
	PIIEmail      PIIPattern = "email"
	PIIPhone      PIIPattern = "phone"
	PIISSN        PIIPattern = "ssn"
	PIICreditCard PIIPattern = "creditCard"
	PIIIPAddress  PIIPattern = "ipAddress"
)

// piiRegexJS maps PII pattern names to the JS regex sources evaluated on
// the page when DetectText is set.
var piiRegexJS = map[PIIPattern]string{
	PIIEmail:      `[\\w.+-]+@[\\w-]+\\.[\\w.]+`,
	PIIPhone:      `\\+?\\d[\\d\\s().-]{7,}\\d`,
	PIISSN:        `\\b\\d{3}-\\d{2}-\\d{4}\\b`,
	PIICreditCard: `\\b(?:\\d[ -]*?){13,16}\\b`,
	PIIIPAddress:  `\\b(?:\\d{1,3}\\.){3}\\d{1,3}\\b`,
}

// BlurOptions controls WithBlur.
type BlurOptions struct {
	// BlurPatterns selects built-in PII matchers applied to text nodes.
	BlurPatterns []PIIPattern
	// CustomSelectors are blurred unconditionally.
	CustomSelectors []string
	// BlurIntensity in px, default 8.
	BlurIntensity int
	// DetectText walks text nodes and wraps PII matches in blurred spans.
	DetectText bool
	Capture    pagehost.CaptureOptions
}

const blurSelectorsJS = `(selectors, px) => {
	let n = 0;
	for (const sel of selectors) {
		for (const el of document.querySelectorAll(sel)) {
			el.style.filter = 'blur(' + px + 'px)';
			n++;
		}
	}
	return n;
}`

const blurTextJS = `(patterns, px) => {
	const regexes = patterns.map(p => new RegExp(p, 'g'));
	const walker = document.createTreeWalker(document.body, NodeFilter.SHOW_TEXT);
	const hits = [];
	let node;
	while ((node = walker.nextNode())) {
		if (regexes.some(re => { re.lastIndex = 0; return re.test(node.textContent); })) {
			hits.push(node);
		}
	}
	for (const n of hits) {
		const span = document.createElement('span');
		span.style.filter = 'blur(' + px + 'px)';
		n.parentNode.replaceChild(span, n);
		span.appendChild(n);
	}
	return hits.length;
}`

// WithBlur blurs sensitive regions before capturing. Unknown pattern
// names are rejected.
func (m *Manager) WithBlur(ctx context.Context, h pagehost.Host, opts BlurOptions) (*Shot, error) {
	if opts.BlurIntensity <= 0 {
		opts.BlurIntensity = 8
	}

	var patterns []string
	for _, p := range opts.BlurPatterns {
		src, ok := piiRegexJS[p]
		if !ok {
			return nil, fmt.Errorf("capture: unknown pii pattern %q", p)
		}
		patterns = append(patterns, src)
	}

	if len(opts.CustomSelectors) > 0 {
		if _, err := h.Evaluate(ctx, blurSelectorsJS, opts.CustomSelectors, opts.BlurIntensity); err != nil {
			return nil, fmt.Errorf("capture: blur selectors: %w", err)
		}
	}
	if opts.DetectText && len(patterns) > 0 {
		if _, err := h.Evaluate(ctx, blurTextJS, patterns, opts.BlurIntensity); err != nil {
			return nil, fmt.Errorf("capture: blur text: %w", err)
		}
	}

	shot, err := m.Viewport(ctx, h, opts.Capture)
	if err != nil {
		return nil, err
	}
	shot.Metadata.CaptureInfo.Custom = map[string]string{"mode": "blur"}
	return shot, nil
}

// OCROptions controls ExtractText.
type OCROptions struct {
	Language string // BCP-47-ish hint, default "en"
	Overlay  bool   // also return word bounding boxes
}

// OCRResult is the recognized text.
type OCRResult struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

const ocrJS = `async (lang, overlay) => {
	if (!window.__vc_ocr) throw new Error('ocr engine not injected');
	return await window.__vc_ocr(lang, overlay);
}`

// ExtractText fans OCR out to the page host. The host is expected to
// carry an injected OCR engine; its absence surfaces as an evaluate error.
func (m *Manager) ExtractText(ctx context.Context, h pagehost.Host, opts OCROptions) (*OCRResult, error) {
	if opts.Language == "" {
		opts.Language = "en"
	}
	raw, err := h.Evaluate(ctx, ocrJS, opts.Language, opts.Overlay)
	if err != nil {
		return nil, fmt.Errorf("capture: ocr: %w", err)
	}

	res := &OCRResult{Language: opts.Language}
	switch v := raw.(type) {
	case string:
		res.Text = v
	case map[string]any:
		if s, ok := v["text"].(string); ok {
			res.Text = s
		}
		if c, ok := v["confidence"].(float64); ok {
			res.Confidence = c
		}
	default:
		return nil, fmt.Errorf("capture: ocr returned %T", raw)
	}
	return res, nil
}
