package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ExportFormat names an export dialect.
type ExportFormat string

const (
	ExportJSON       ExportFormat = "json"
	ExportSelenium   ExportFormat = "selenium-python"
	ExportPuppeteer  ExportFormat = "puppeteer-js"
	ExportPlaywright ExportFormat = "playwright-js"
)

// ErrUnknownFormat rejects unsupported export formats.
var ErrUnknownFormat = errors.New("recorder: unknown export format")

// ExportOptions controls code generation.
type ExportOptions struct {
	IncludeImports bool
	IncludeSetup   bool
	IncludeWaits   bool
	DriverVar      string // selenium, default "driver"
	PageVar        string // puppeteer/playwright, default "page"
	BrowserVar     string // default "browser"
	ContextVar     string // playwright, default "context"
}

func (o *ExportOptions) defaults() {
	if o.DriverVar == "" {
		o.DriverVar = "driver"
	}
	if o.PageVar == "" {
		o.PageVar = "page"
	}
	if o.BrowserVar == "" {
		o.BrowserVar = "browser"
	}
	if o.ContextVar == "" {
		o.ContextVar = "context"
	}
}

// Export serializes a recording into the requested dialect.
func Export(rec *Recording, format ExportFormat, opts ExportOptions) (string, error) {
	opts.defaults()
	switch format {
	case ExportJSON:
		raw, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return "", fmt.Errorf("recorder: export json: %w", err)
		}
		return string(raw), nil
	case ExportSelenium:
		return exportSelenium(rec, opts), nil
	case ExportPuppeteer:
		return exportPuppeteer(rec, opts), nil
	case ExportPlaywright:
		return exportPlaywright(rec, opts), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

// escape quotes a string literal for python or javascript source.
func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	s = strings.ReplaceAll(s, "\t", `\t`)
	return s
}

// target picks the best locator for an event's element.
func target(ev Event) string {
	if ev.Element != nil && ev.Element.Selector != "" {
		return ev.Element.Selector
	}
	if ev.Element != nil && ev.Element.ID != "" {
		return "#" + ev.Element.ID
	}
	return ""
}

func exportSelenium(rec *Recording, opts ExportOptions) string {
	var b strings.Builder
	d := opts.DriverVar

	if opts.IncludeImports {
		b.WriteString("from selenium import webdriver\n")
		b.WriteString("from selenium.webdriver.common.by import By\n")
		b.WriteString("from selenium.webdriver.common.action_chains import ActionChains\n")
		if opts.IncludeWaits {
			b.WriteString("import time\n")
		}
		b.WriteString("\n")
	}
	if opts.IncludeSetup {
		fmt.Fprintf(&b, "%s = webdriver.Chrome()\n\n", d)
	}

	var prev int64
	for _, ev := range rec.Events {
		if opts.IncludeWaits && ev.RelativeTime > prev {
			fmt.Fprintf(&b, "time.sleep(%.3f)\n", float64(ev.RelativeTime-prev)/1000)
		}
		prev = ev.RelativeTime

		sel := target(ev)
		switch ev.Type {
		case EventNavigation, EventLoad:
			fmt.Fprintf(&b, "%s.get(\"%s\")\n", d, escape(ev.URL))
		case EventClick:
			if sel != "" {
				fmt.Fprintf(&b, "%s.find_element(By.CSS_SELECTOR, \"%s\").click()\n", d, escape(sel))
			} else {
				fmt.Fprintf(&b, "ActionChains(%s).move_by_offset(%d, %d).click().perform()\n", d, ev.X, ev.Y)
			}
		case EventInput, EventChange:
			if sel != "" {
				fmt.Fprintf(&b, "%s.find_element(By.CSS_SELECTOR, \"%s\").send_keys(\"%s\")\n", d, escape(sel), escape(ev.Value))
			}
		case EventKeyDown:
			if sel != "" {
				fmt.Fprintf(&b, "%s.find_element(By.CSS_SELECTOR, \"%s\").send_keys(\"%s\")\n", d, escape(sel), escape(ev.Key))
			}
		case EventScroll:
			fmt.Fprintf(&b, "%s.execute_script(\"window.scrollTo(%d, %d)\")\n", d, ev.X, ev.Y)
		case EventMouseMove:
			fmt.Fprintf(&b, "ActionChains(%s).move_by_offset(%d, %d).perform()\n", d, ev.X, ev.Y)
		case EventKeyUp, EventMouseDown, EventMouseUp, EventFocus, EventBlur, EventHover, EventSelect, EventWheel, EventResize, EventVisibilityChange:
			fmt.Fprintf(&b, "# Skipped low-level event: %s\n", ev.Type)
		default:
			fmt.Fprintf(&b, "# Unsupported action: %s\n", ev.Type)
		}
	}
	if opts.IncludeSetup {
		fmt.Fprintf(&b, "\n%s.quit()\n", d)
	}
	return b.String()
}

func exportPuppeteer(rec *Recording, opts ExportOptions) string {
	var b strings.Builder
	p, br := opts.PageVar, opts.BrowserVar

	if opts.IncludeImports {
		b.WriteString("const puppeteer = require('puppeteer');\n\n")
	}
	if opts.IncludeSetup {
		b.WriteString("(async () => {\n")
		fmt.Fprintf(&b, "  const %s = await puppeteer.launch();\n", br)
		fmt.Fprintf(&b, "  const %s = await %s.newPage();\n\n", p, br)
	}

	writeJSBody(&b, rec, opts, p)

	if opts.IncludeSetup {
		fmt.Fprintf(&b, "\n  await %s.close();\n})();\n", br)
	}
	return b.String()
}

func exportPlaywright(rec *Recording, opts ExportOptions) string {
	var b strings.Builder
	p, br, cx := opts.PageVar, opts.BrowserVar, opts.ContextVar

	if opts.IncludeImports {
		b.WriteString("const { chromium } = require('playwright');\n\n")
	}
	if opts.IncludeSetup {
		b.WriteString("(async () => {\n")
		fmt.Fprintf(&b, "  const %s = await chromium.launch();\n", br)
		fmt.Fprintf(&b, "  const %s = await %s.newContext();\n", cx, br)
		fmt.Fprintf(&b, "  const %s = await %s.newPage();\n\n", p, cx)
	}

	writeJSBody(&b, rec, opts, p)

	if opts.IncludeSetup {
		fmt.Fprintf(&b, "\n  await %s.close();\n})();\n", br)
	}
	return b.String()
}

// writeJSBody renders the shared puppeteer/playwright statement stream.
func writeJSBody(b *strings.Builder, rec *Recording, opts ExportOptions, p string) {
	var prev int64
	for _, ev := range rec.Events {
		if opts.IncludeWaits && ev.RelativeTime > prev {
			fmt.Fprintf(b, "  await new Promise(r => setTimeout(r, %d));\n", ev.RelativeTime-prev)
		}
		prev = ev.RelativeTime

		sel := target(ev)
		switch ev.Type {
		case EventNavigation, EventLoad:
			fmt.Fprintf(b, "  await %s.goto(\"%s\");\n", p, escape(ev.URL))
		case EventClick:
			if sel != "" {
				fmt.Fprintf(b, "  await %s.click(\"%s\");\n", p, escape(sel))
			} else {
				fmt.Fprintf(b, "  await %s.mouse.click(%d, %d);\n", p, ev.X, ev.Y)
			}
		case EventInput, EventChange:
			if sel != "" {
				fmt.Fprintf(b, "  await %s.fill(\"%s\", \"%s\");\n", p, escape(sel), escape(ev.Value))
			}
		case EventKeyDown:
			fmt.Fprintf(b, "  await %s.keyboard.press(\"%s\");\n", p, escape(ev.Key))
		case EventScroll:
			fmt.Fprintf(b, "  await %s.evaluate(() => window.scrollTo(%d, %d));\n", p, ev.X, ev.Y)
		case EventMouseMove:
			fmt.Fprintf(b, "  await %s.mouse.move(%d, %d);\n", p, ev.X, ev.Y)
		case EventKeyUp, EventMouseDown, EventMouseUp, EventFocus, EventBlur, EventHover, EventSelect, EventWheel, EventResize, EventVisibilityChange:
			fmt.Fprintf(b, "  // Skipped low-level event: %s\n", ev.Type)
		default:
			fmt.Fprintf(b, "  // Unsupported action: %s\n", ev.Type)
		}
	}
}
