package cookiejar

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/veilcrawl/veilcrawl/pagehost"
)

// ExportFormat names a cookie serialization.
type ExportFormat string

const (
	FormatJSON     ExportFormat = "json"
	FormatNetscape ExportFormat = "netscape"
	FormatCSV      ExportFormat = "csv"
	FormatCurl     ExportFormat = "curl"
)

const netscapeHeader = "# Netscape HTTP Cookie File"

type jsonEnvelope struct {
	Count      int               `json:"count"`
	ExportedAt time.Time         `json:"exportedAt"`
	Cookies    []pagehost.Cookie `json:"cookies"`
}

// Export serializes a jar's cookies in the named format. The curl format
// additionally needs a target URL to scope the Cookie header.
func (m *Manager) Export(name string, format ExportFormat, targetURL string) (string, error) {
	j, err := m.GetJar(name)
	if err != nil {
		return "", err
	}
	switch format {
	case FormatJSON:
		return exportJSON(j.Cookies)
	case FormatNetscape:
		return exportNetscape(j.Cookies), nil
	case FormatCSV:
		return exportCSV(j.Cookies), nil
	case FormatCurl:
		return exportCurl(j.Cookies, targetURL)
	default:
		return "", fmt.Errorf("%w: %s", ErrBadExport, format)
	}
}

func exportJSON(cookies []pagehost.Cookie) (string, error) {
	env := jsonEnvelope{Count: len(cookies), ExportedAt: time.Now(), Cookies: cookies}
	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("cookiejar: export json: %w", err)
	}
	return string(raw), nil
}

func exportNetscape(cookies []pagehost.Cookie) string {
	var b strings.Builder
	b.WriteString(netscapeHeader + "\n")
	for _, c := range cookies {
		includeSubdomains := "FALSE"
		if strings.HasPrefix(c.Domain, ".") {
			includeSubdomains = "TRUE"
		}
		secure := "FALSE"
		if c.Secure {
			secure = "TRUE"
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			c.Domain, includeSubdomains, path, secure, int64(c.ExpirationDate), c.Name, c.Value)
	}
	return b.String()
}

func exportCSV(cookies []pagehost.Cookie) string {
	var b strings.Builder
	b.WriteString("Name,Value,Domain,Path,Expires,Secure,HttpOnly,SameSite\n")
	for _, c := range cookies {
		fmt.Fprintf(&b, "%s,%s,%s,%s,%d,%t,%t,%s\n",
			csvField(c.Name), csvField(c.Value), csvField(c.Domain), csvField(c.Path),
			int64(c.ExpirationDate), c.Secure, c.HTTPOnly, c.SameSite)
	}
	return b.String()
}

func csvField(s string) string {
	if strings.ContainsAny(s, ",\"\n") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}

func exportCurl(cookies []pagehost.Cookie, targetURL string) (string, error) {
	if targetURL == "" {
		return "", fmt.Errorf("cookiejar: curl export requires a url")
	}
	u, err := url.Parse(targetURL)
	if err != nil {
		return "", fmt.Errorf("cookiejar: curl export: %w", err)
	}
	var pairs []string
	for _, c := range cookies {
		if !domainMatches(u.Hostname(), c.Domain) {
			continue
		}
		if c.Path != "" && c.Path != "/" && !strings.HasPrefix(u.Path, c.Path) {
			continue
		}
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return fmt.Sprintf("-H \"Cookie: %s\"", strings.Join(pairs, "; ")), nil
}

func domainMatches(host, cookieDomain string) bool {
	d := strings.TrimPrefix(cookieDomain, ".")
	return host == d || strings.HasSuffix(host, "."+d)
}

// Import parses JSON or Netscape cookie data and stores the result in the
// named jar (the active jar when name is empty). The format is detected
// from the payload.
func (m *Manager) Import(name, data string) (int, error) {
	if name == "" {
		name = m.ActiveJar()
	}
	trimmed := strings.TrimSpace(data)
	var (
		cookies []pagehost.Cookie
		err     error
	)
	switch {
	case strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "["):
		cookies, err = importJSON(trimmed)
	case strings.Contains(trimmed, "\t"):
		cookies, err = importNetscape(trimmed)
	default:
		return 0, ErrBadImport
	}
	if err != nil {
		return 0, err
	}
	if err := m.SetJarCookies(name, cookies); err != nil {
		return 0, err
	}
	return len(cookies), nil
}

func importJSON(data string) ([]pagehost.Cookie, error) {
	// Accept either the envelope produced by Export or a bare array.
	var env jsonEnvelope
	if err := json.Unmarshal([]byte(data), &env); err == nil && env.Cookies != nil {
		return env.Cookies, nil
	}
	var cookies []pagehost.Cookie
	if err := json.Unmarshal([]byte(data), &cookies); err != nil {
		return nil, fmt.Errorf("cookiejar: import json: %w", err)
	}
	return cookies, nil
}

// importNetscape parses tab-delimited rows. Rows are normally one per
// line, but a single-line payload with embedded rows is tolerated: any
// run of 7 tab-separated fields is taken as one cookie.
func importNetscape(data string) ([]pagehost.Cookie, error) {
	var cookies []pagehost.Cookie

	lines := strings.Split(data, "\n")
	if len(lines) == 1 {
		lines = splitSingleLineNetscape(lines[0])
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		httpOnly := false
		if strings.HasPrefix(line, "#HttpOnly_") {
			httpOnly = true
			line = strings.TrimPrefix(line, "#HttpOnly_")
		} else if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue
		}
		expiry, _ := strconv.ParseFloat(fields[4], 64)
		cookies = append(cookies, pagehost.Cookie{
			Domain:         fields[0],
			Path:           fields[2],
			Secure:         strings.EqualFold(fields[3], "TRUE"),
			ExpirationDate: expiry,
			Name:           fields[5],
			Value:          fields[6],
			HTTPOnly:       httpOnly,
		})
	}
	if len(cookies) == 0 {
		return nil, ErrBadImport
	}
	return cookies, nil
}

// splitSingleLineNetscape re-chunks a header-plus-rows payload that lost
// its newlines into 7-field rows.
func splitSingleLineNetscape(line string) []string {
	line = strings.TrimPrefix(strings.TrimSpace(line), netscapeHeader)
	fields := strings.Split(strings.TrimSpace(line), "\t")
	var rows []string
	for i := 0; i+7 <= len(fields); i += 7 {
		rows = append(rows, strings.Join(fields[i:i+7], "\t"))
	}
	return rows
}
