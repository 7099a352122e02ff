// Package extract turns a page's DOM into client-consumable content:
// sanitized HTML, markdown, or plain text.
package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// Format names an output representation.
type Format string

const (
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
)

// Host is the page-host slice the extractor needs.
type Host interface {
	Evaluate(ctx context.Context, code string, args ...any) (any, error)
	URL() string
}

// Extractor converts page HTML into sanitized output formats.
type Extractor struct {
	md       *converter.Converter
	sanitize *bluemonday.Policy
}

// New creates an Extractor with the UGC sanitation policy.
func New() *Extractor {
	return &Extractor{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		sanitize: bluemonday.UGCPolicy(),
	}
}

// Content is the extraction result.
type Content struct {
	Format  Format `json:"format"`
	URL     string `json:"url,omitempty"`
	Content string `json:"content"`
	Length  int    `json:"length"`
}

const outerHTMLJS = `document.documentElement.outerHTML`

// FromHost snapshots the host's DOM and converts it.
func (e *Extractor) FromHost(ctx context.Context, h Host, format Format) (*Content, error) {
	raw, err := h.Evaluate(ctx, outerHTMLJS)
	if err != nil {
		return nil, fmt.Errorf("extract: snapshot: %w", err)
	}
	doc, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("extract: snapshot returned %T, want string", raw)
	}
	c, err := e.Convert(doc, format, h.URL())
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Convert renders HTML into the requested format.
func (e *Extractor) Convert(doc string, format Format, sourceURL string) (*Content, error) {
	var out string
	switch format {
	case FormatHTML, "":
		out = e.sanitize.Sanitize(doc)
		format = FormatHTML
	case FormatMarkdown:
		sanitized := e.sanitize.Sanitize(doc)
		var opts []converter.ConvertOptionFunc
		if sourceURL != "" {
			opts = append(opts, converter.WithDomain(sourceURL))
		}
		md, err := e.md.ConvertString(sanitized, opts...)
		if err != nil {
			return nil, fmt.Errorf("extract: markdown: %w", err)
		}
		out = md
	case FormatText:
		text, err := plainText(doc)
		if err != nil {
			return nil, fmt.Errorf("extract: text: %w", err)
		}
		out = text
	default:
		return nil, fmt.Errorf("extract: unknown format %q", format)
	}

	return &Content{Format: format, URL: sourceURL, Content: out, Length: len(out)}, nil
}

// plainText walks the DOM and joins visible text nodes. Script and style
// bodies are dropped.
func plainText(doc string) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return b.String(), nil
}
