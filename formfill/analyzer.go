// Package formfill analyzes HTML forms and fills them from a data map,
// skipping honeypot traps and refusing CAPTCHA-protected forms.
//
// Field analysis runs over the page's serialized DOM (golang.org/x/net/html)
// rather than per-field round trips, so one Evaluate call covers the whole
// document.
package formfill

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/veilcrawl/veilcrawl/pagehost"
)

// FieldType is the semantic type resolved for a form field.
type FieldType string

const (
	TypeEmail     FieldType = "email"
	TypePhone     FieldType = "phone"
	TypePassword  FieldType = "password"
	TypeFirstName FieldType = "firstName"
	TypeLastName  FieldType = "lastName"
	TypeFullName  FieldType = "fullName"
	TypeUsername  FieldType = "username"
	TypeAddress   FieldType = "address"
	TypeCity      FieldType = "city"
	TypeState     FieldType = "state"
	TypeZipCode   FieldType = "zipCode"
	TypeCountry   FieldType = "country"
	TypeCompany   FieldType = "company"
	TypeURL       FieldType = "url"
	TypeDate      FieldType = "date"
	TypeNumber    FieldType = "number"
	TypeText      FieldType = "text"
)

// FormField is one analyzed input.
type FormField struct {
	Tag          string    `json:"tag"` // input, textarea, select
	InputType    string    `json:"inputType,omitempty"`
	Name         string    `json:"name,omitempty"`
	ID           string    `json:"id,omitempty"`
	Placeholder  string    `json:"placeholder,omitempty"`
	Label        string    `json:"label,omitempty"`
	Autocomplete string    `json:"autocomplete,omitempty"`
	DetectedType FieldType `json:"detectedType"`
	Required     bool      `json:"required"`
	Honeypot     bool      `json:"honeypot"`
	Options      []string  `json:"options,omitempty"` // select only
	Selector     string    `json:"selector"`
}

// Form is one analyzed form.
type Form struct {
	Index      int         `json:"index"`
	ID         string      `json:"id,omitempty"`
	Name       string      `json:"name,omitempty"`
	Action     string      `json:"action,omitempty"`
	Method     string      `json:"method,omitempty"`
	Fields     []FormField `json:"fields"`
	HasCaptcha bool        `json:"hasCaptcha"`
}

// ErrNoForms means the document has no form elements.
var ErrNoForms = errors.New("formfill: no forms found")

// Host is the page-host slice the filler needs.
type Host interface {
	Evaluate(ctx context.Context, code string, args ...any) (any, error)
}

var _ Host = (pagehost.Host)(nil)

// typePatterns drive the regex fallback over name|id|placeholder|label.
// First match in this order wins.
var typePatterns = []struct {
	t  FieldType
	re *regexp.Regexp
}{
	{TypeEmail, regexp.MustCompile(`(?i)e[-_]?mail`)},
	{TypePhone, regexp.MustCompile(`(?i)phone|mobile|tel(?:ephone)?\b`)},
	{TypePassword, regexp.MustCompile(`(?i)pass(word)?|pwd`)},
	{TypeFirstName, regexp.MustCompile(`(?i)first[-_ ]?name|given[-_ ]?name|fname`)},
	{TypeLastName, regexp.MustCompile(`(?i)last[-_ ]?name|family[-_ ]?name|surname|lname`)},
	{TypeFullName, regexp.MustCompile(`(?i)full[-_ ]?name|your[-_ ]?name|^name$`)},
	{TypeUsername, regexp.MustCompile(`(?i)user[-_ ]?name|login|account`)},
	{TypeZipCode, regexp.MustCompile(`(?i)zip|postal`)},
	{TypeAddress, regexp.MustCompile(`(?i)address|street`)},
	{TypeCity, regexp.MustCompile(`(?i)city|town`)},
	{TypeState, regexp.MustCompile(`(?i)state|province|region`)},
	{TypeCountry, regexp.MustCompile(`(?i)country`)},
	{TypeCompany, regexp.MustCompile(`(?i)company|organi[sz]ation|employer`)},
	{TypeURL, regexp.MustCompile(`(?i)website|url|homepage`)},
}

// autocompleteTypes maps autocomplete tokens to field types.
var autocompleteTypes = map[string]FieldType{
	"email":          TypeEmail,
	"given-name":     TypeFirstName,
	"family-name":    TypeLastName,
	"name":           TypeFullName,
	"tel":            TypePhone,
	"username":       TypeUsername,
	"street-address": TypeAddress,
	"address-line1":  TypeAddress,
	"postal-code":    TypeZipCode,
	"country":        TypeCountry,
	"country-name":   TypeCountry,
	"organization":   TypeCompany,
	"url":            TypeURL,
}

var honeypotName = regexp.MustCompile(`(?i)honeypot|hp_|_hp\b|trap|winnie|do[-_]?not[-_]?fill|leave[-_]?blank|bot[-_]?field`)

var captchaMarker = regexp.MustCompile(`(?i)recaptcha|hcaptcha|h-captcha|cf-turnstile|captcha`)

const domSnapshotJS = `document.documentElement.outerHTML`

// Analyze pulls the document HTML from the host and returns every form.
func Analyze(ctx context.Context, h Host) ([]Form, error) {
	raw, err := h.Evaluate(ctx, domSnapshotJS)
	if err != nil {
		return nil, fmt.Errorf("formfill: snapshot: %w", err)
	}
	doc, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("formfill: snapshot returned %T, want string", raw)
	}
	return AnalyzeHTML(doc)
}

// AnalyzeHTML parses serialized HTML and extracts form metadata.
func AnalyzeHTML(doc string) ([]Form, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("formfill: parse: %w", err)
	}

	labels := collectLabels(root)

	var forms []Form
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "form" {
			forms = append(forms, analyzeForm(n, len(forms), labels))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	if len(forms) == 0 {
		return nil, ErrNoForms
	}
	return forms, nil
}

// collectLabels maps label "for" targets to label text.
func collectLabels(root *html.Node) map[string]string {
	labels := make(map[string]string)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "label" {
			if forID := attr(n, "for"); forID != "" {
				labels[forID] = strings.TrimSpace(textOf(n))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return labels
}

func analyzeForm(n *html.Node, index int, labels map[string]string) Form {
	f := Form{
		Index:  index,
		ID:     attr(n, "id"),
		Name:   attr(n, "name"),
		Action: attr(n, "action"),
		Method: strings.ToUpper(attr(n, "method")),
	}
	if f.Method == "" {
		f.Method = "GET"
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "input", "textarea", "select":
				f.Fields = append(f.Fields, analyzeField(n, index, labels))
			case "iframe", "div", "script":
				if captchaMarker.MatchString(attr(n, "class")) ||
					captchaMarker.MatchString(attr(n, "src")) ||
					captchaMarker.MatchString(attr(n, "id")) {
					f.HasCaptcha = true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return f
}

func analyzeField(n *html.Node, formIndex int, labels map[string]string) FormField {
	ff := FormField{
		Tag:          n.Data,
		InputType:    strings.ToLower(attr(n, "type")),
		Name:         attr(n, "name"),
		ID:           attr(n, "id"),
		Placeholder:  attr(n, "placeholder"),
		Autocomplete: strings.ToLower(attr(n, "autocomplete")),
		Required:     hasAttr(n, "required"),
	}
	if ff.Tag == "input" && ff.InputType == "" {
		ff.InputType = "text"
	}
	if ff.ID != "" {
		ff.Label = labels[ff.ID]
	}
	if n.Data == "select" {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == "option" {
				ff.Options = append(ff.Options, attr(c, "value"))
			}
		}
	}

	ff.DetectedType = detectType(ff)
	ff.Honeypot = isHoneypot(n, ff)
	ff.Selector = fieldSelector(ff, formIndex)
	return ff
}

// detectType resolves the semantic type. First matching rule wins:
// native type attribute, then autocomplete token, then regex fallback.
func detectType(ff FormField) FieldType {
	switch ff.InputType {
	case "email":
		return TypeEmail
	case "tel":
		return TypePhone
	case "password":
		return TypePassword
	case "url":
		return TypeURL
	case "date":
		return TypeDate
	case "number":
		return TypeNumber
	}
	if t, ok := autocompleteTypes[ff.Autocomplete]; ok {
		return t
	}
	haystack := strings.Join([]string{ff.Name, ff.ID, ff.Placeholder, ff.Label}, " ")
	for _, tp := range typePatterns {
		if tp.re.MatchString(haystack) {
			return tp.t
		}
	}
	return TypeText
}

// isHoneypot flags trap fields: invisible inputs, trap-named fields, or
// text inputs hidden via inline style.
func isHoneypot(n *html.Node, ff FormField) bool {
	if honeypotName.MatchString(ff.Name) || honeypotName.MatchString(ff.ID) {
		return true
	}
	style := strings.ToLower(attr(n, "style"))
	if strings.Contains(style, "display:none") || strings.Contains(style, "display: none") ||
		strings.Contains(style, "visibility:hidden") || strings.Contains(style, "visibility: hidden") {
		return true
	}
	if ff.InputType == "hidden" && honeypotLikeName(ff.Name) {
		return true
	}
	return false
}

// honeypotLikeName catches hidden inputs that imitate real user fields;
// ordinary hidden inputs (tokens, ids) are not traps.
func honeypotLikeName(name string) bool {
	for _, tp := range typePatterns {
		if tp.t == TypeEmail || tp.t == TypePhone || tp.t == TypeFullName {
			if tp.re.MatchString(name) {
				return true
			}
		}
	}
	return false
}

func fieldSelector(ff FormField, formIndex int) string {
	if ff.ID != "" {
		return "#" + ff.ID
	}
	if ff.Name != "" {
		return fmt.Sprintf(`form:nth-of-type(%d) [name=%q]`, formIndex+1, ff.Name)
	}
	return fmt.Sprintf("form:nth-of-type(%d) %s", formIndex+1, ff.Tag)
}

// textOf concatenates all text nodes under n.
func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}
