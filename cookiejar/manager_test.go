package cookiejar

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/veilcrawl/veilcrawl/pagehost"
)

func sessionCookie(domain string) pagehost.Cookie {
	return pagehost.Cookie{Name: "session_id", Value: "abc123", Domain: domain, Path: "/"}
}

func TestManager_CreateDeleteJars(t *testing.T) {
	m := NewManager(pagehost.NewFake(), Config{}, nil)

	if _, err := m.CreateJar("work", JarOptions{Description: "work identity"}); err != nil {
		t.Fatalf("CreateJar: %v", err)
	}
	if _, err := m.CreateJar("work", JarOptions{}); !errors.Is(err, ErrJarExists) {
		t.Fatalf("expected ErrJarExists, got %v", err)
	}
	if err := m.DeleteJar(DefaultJar); !errors.Is(err, ErrDefaultJar) {
		t.Fatalf("expected ErrDefaultJar, got %v", err)
	}

	jars := m.ListJars()
	if len(jars) != 2 {
		t.Fatalf("ListJars = %d entries, want 2", len(jars))
	}
	if err := m.DeleteJar("work"); err != nil {
		t.Fatalf("DeleteJar: %v", err)
	}
	if err := m.DeleteJar("work"); !errors.Is(err, ErrJarNotFound) {
		t.Fatalf("expected ErrJarNotFound, got %v", err)
	}
}

func TestManager_DeleteActiveFallsBackToDefault(t *testing.T) {
	m := NewManager(pagehost.NewFake(), Config{}, nil)
	m.CreateJar("burner", JarOptions{})
	if err := m.SwitchJar(context.Background(), "burner", SwitchOptions{}); err != nil {
		t.Fatalf("SwitchJar: %v", err)
	}
	if err := m.DeleteJar("burner"); err != nil {
		t.Fatalf("DeleteJar: %v", err)
	}
	if m.ActiveJar() != DefaultJar {
		t.Fatalf("active = %s, want default", m.ActiveJar())
	}
}

func TestManager_SwitchSaveAndLoad(t *testing.T) {
	fake := pagehost.NewFake()
	ctx := context.Background()
	m := NewManager(fake, Config{}, nil)
	m.CreateJar("target", JarOptions{})
	m.SetJarCookies("target", []pagehost.Cookie{{Name: "tgt", Value: "1", Domain: "b.example", Path: "/"}})

	// Live cookies belong to the outgoing (default) jar.
	fake.SetCookie(ctx, sessionCookie("a.example"))

	if err := m.SwitchJar(ctx, "target", SwitchOptions{SaveCurrent: true, LoadTarget: true}); err != nil {
		t.Fatalf("SwitchJar: %v", err)
	}
	if m.ActiveJar() != "target" {
		t.Fatalf("active = %s, want target", m.ActiveJar())
	}

	// Outgoing jar captured the live snapshot.
	def, _ := m.GetJar(DefaultJar)
	if len(def.Cookies) != 1 || def.Cookies[0].Name != "session_id" {
		t.Fatalf("default jar did not capture live cookies: %+v", def.Cookies)
	}
	// Live store now holds only the target's cookies.
	live, _ := fake.Cookies(ctx, pagehost.CookieFilter{})
	if len(live) != 1 || live[0].Name != "tgt" {
		t.Fatalf("live store = %+v, want target cookies only", live)
	}
}

func TestManager_SwitchUnknownJar(t *testing.T) {
	m := NewManager(pagehost.NewFake(), Config{}, nil)
	if err := m.SwitchJar(context.Background(), "missing", SwitchOptions{}); !errors.Is(err, ErrJarNotFound) {
		t.Fatalf("expected ErrJarNotFound, got %v", err)
	}
}

func TestManager_SyncMerge(t *testing.T) {
	m := NewManager(pagehost.NewFake(), Config{}, nil)
	m.CreateJar("src", JarOptions{})
	m.CreateJar("dst", JarOptions{})
	m.SetJarCookies("src", []pagehost.Cookie{
		{Name: "a", Value: "new", Domain: "x.example", Path: "/"},
		{Name: "b", Value: "2", Domain: "x.example", Path: "/"},
		{Name: "skipme", Value: "3", Domain: "other.example", Path: "/"},
	})
	m.SetJarCookies("dst", []pagehost.Cookie{
		{Name: "a", Value: "old", Domain: "x.example", Path: "/"},
	})

	res, err := m.SyncJars("src", "dst", SyncOptions{
		Mode:   SyncMerge,
		Filter: func(c pagehost.Cookie) bool { return c.Domain == "x.example" },
	})
	if err != nil {
		t.Fatalf("SyncJars: %v", err)
	}
	if res.Added != 1 || res.Updated != 1 || res.Skipped != 1 {
		t.Fatalf("sync result = %+v, want added=1 updated=1 skipped=1", res)
	}
	dst, _ := m.GetJar("dst")
	if len(dst.Cookies) != 2 {
		t.Fatalf("dst cookies = %d, want 2", len(dst.Cookies))
	}
	for _, c := range dst.Cookies {
		if c.Name == "a" && c.Value != "new" {
			t.Fatalf("merge did not upsert: %+v", c)
		}
	}
}

func TestManager_SyncReplace(t *testing.T) {
	m := NewManager(pagehost.NewFake(), Config{}, nil)
	m.CreateJar("src", JarOptions{})
	m.CreateJar("dst", JarOptions{})
	m.SetJarCookies("src", []pagehost.Cookie{{Name: "only", Value: "1", Domain: "x.example", Path: "/"}})
	m.SetJarCookies("dst", []pagehost.Cookie{
		{Name: "gone1", Value: "1", Domain: "y.example", Path: "/"},
		{Name: "gone2", Value: "2", Domain: "y.example", Path: "/"},
	})

	res, err := m.SyncJars("src", "dst", SyncOptions{Mode: SyncReplace})
	if err != nil {
		t.Fatalf("SyncJars: %v", err)
	}
	if res.Added != 1 {
		t.Fatalf("replace added = %d, want 1", res.Added)
	}
	dst, _ := m.GetJar("dst")
	if len(dst.Cookies) != 1 || dst.Cookies[0].Name != "only" {
		t.Fatalf("replace left %+v", dst.Cookies)
	}
}

func TestManager_SyncBadMode(t *testing.T) {
	m := NewManager(pagehost.NewFake(), Config{}, nil)
	m.CreateJar("src", JarOptions{})
	if _, err := m.SyncJars("src", DefaultJar, SyncOptions{Mode: "union"}); !errors.Is(err, ErrBadSyncMode) {
		t.Fatalf("expected ErrBadSyncMode, got %v", err)
	}
}

func TestManager_HistoryRing(t *testing.T) {
	m := NewManager(pagehost.NewFake(), Config{MaxHistorySize: 3}, nil)
	for i := 0; i < 5; i++ {
		m.SetJarCookies(DefaultJar, []pagehost.Cookie{{Name: "c", Value: "v", Domain: "ring.example", Path: "/"}})
	}
	hist := m.GetHistory(HistoryFilter{})
	if len(hist) != 3 {
		t.Fatalf("history = %d entries, want ring cap 3", len(hist))
	}

	m.SetJarCookies(DefaultJar, []pagehost.Cookie{{Name: "other", Value: "v", Domain: "elsewhere.example", Path: "/"}})
	byDomain := m.GetHistory(HistoryFilter{Domain: "elsewhere"})
	if len(byDomain) != 1 {
		t.Fatalf("domain filter = %d entries, want 1", len(byDomain))
	}
	byAction := m.GetHistory(HistoryFilter{Action: ActionDeleted})
	if len(byAction) != 0 {
		t.Fatalf("no deletes recorded, got %d", len(byAction))
	}
}

func TestAnalyzer_ClassificationAndScore(t *testing.T) {
	cases := []struct {
		name  string
		class Classification
	}{
		{"session_id", ClassAuthentication},
		{"csrf_token", ClassAuthentication}, // token matches the auth rule first
		{"xsrf-protect", ClassSecurity},
		{"_ga", ClassAnalytics},
		{"doubleclick_id", ClassAdvertising},
		{"lang", ClassPreferences},
		{"cart_items", ClassFunctional},
	}
	for _, tc := range cases {
		if got := Classify(tc.name); got != tc.class {
			t.Errorf("Classify(%q) = %s, want %s", tc.name, got, tc.class)
		}
	}

	// Sensitive cookie with no protections: two high issues + missing
	// samesite (medium) = 100-25-25-10 = 40.
	a := AnalyzeCookie(pagehost.Cookie{Name: "session_id", Domain: "x.example"})
	if !a.Sensitive {
		t.Fatal("session cookie should be sensitive")
	}
	if a.Score != 40 {
		t.Fatalf("score = %d, want 40 (issues %+v)", a.Score, a.Issues)
	}

	// Fully hardened cookie scores 100.
	hardened := AnalyzeCookie(pagehost.Cookie{
		Name: "session_id", Domain: "x.example",
		Secure: true, HTTPOnly: true, SameSite: "strict",
	})
	if hardened.Score != 100 {
		t.Fatalf("hardened score = %d, want 100", hardened.Score)
	}

	// Expiry more than a year out adds a low finding.
	far := AnalyzeCookie(pagehost.Cookie{
		Name: "lang", Domain: "x.example",
		Secure: true, HTTPOnly: true, SameSite: "lax",
		ExpirationDate: float64(time.Now().Add(2 * 365 * 24 * time.Hour).Unix()),
	})
	found := false
	for _, iss := range far.Issues {
		if iss.Kind == IssueLongExpiry && iss.Severity == SeverityLow {
			found = true
		}
	}
	if !found || far.Score != 97 {
		t.Fatalf("long expiry finding missing or wrong score: %+v", far)
	}
}

func TestCodec_NetscapeRoundTrip(t *testing.T) {
	m := NewManager(pagehost.NewFake(), Config{}, nil)
	m.SetJarCookies(DefaultJar, []pagehost.Cookie{
		{Name: "sid", Value: "v1", Domain: ".example.com", Path: "/", Secure: true, ExpirationDate: 1999999999},
	})

	out, err := m.Export(DefaultJar, FormatNetscape, "")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !strings.HasPrefix(out, netscapeHeader) {
		t.Fatalf("missing netscape header: %q", out)
	}
	if !strings.Contains(out, ".example.com\tTRUE\t/\tTRUE\t1999999999\tsid\tv1") {
		t.Fatalf("unexpected row: %q", out)
	}

	m.CreateJar("import", JarOptions{})
	n, err := m.Import("import", out)
	if err != nil || n != 1 {
		t.Fatalf("Import: n=%d err=%v", n, err)
	}
	j, _ := m.GetJar("import")
	if j.Cookies[0].Name != "sid" || !j.Cookies[0].Secure {
		t.Fatalf("rehydrated cookie wrong: %+v", j.Cookies[0])
	}
}

func TestCodec_NetscapeSingleLine(t *testing.T) {
	m := NewManager(pagehost.NewFake(), Config{}, nil)
	single := ".example.com\tTRUE\t/\tFALSE\t0\ta\t1\t.example.com\tTRUE\t/\tFALSE\t0\tb\t2"
	n, err := m.Import(DefaultJar, single)
	if err != nil || n != 2 {
		t.Fatalf("single-line import: n=%d err=%v", n, err)
	}
}

func TestCodec_JSONRoundTripAndCurl(t *testing.T) {
	m := NewManager(pagehost.NewFake(), Config{}, nil)
	m.SetJarCookies(DefaultJar, []pagehost.Cookie{
		{Name: "sid", Value: "v1", Domain: "example.com", Path: "/"},
		{Name: "other", Value: "x", Domain: "elsewhere.net", Path: "/"},
	})

	out, err := m.Export(DefaultJar, FormatJSON, "")
	if err != nil {
		t.Fatalf("Export json: %v", err)
	}
	if !strings.Contains(out, `"count": 2`) {
		t.Fatalf("json export missing count: %q", out)
	}
	m.CreateJar("copy", JarOptions{})
	if n, err := m.Import("copy", out); err != nil || n != 2 {
		t.Fatalf("Import json: n=%d err=%v", n, err)
	}

	curl, err := m.Export(DefaultJar, FormatCurl, "https://www.example.com/login")
	if err != nil {
		t.Fatalf("Export curl: %v", err)
	}
	if !strings.Contains(curl, `-H "Cookie: sid=v1"`) {
		t.Fatalf("curl export = %q", curl)
	}
	if strings.Contains(curl, "other") {
		t.Fatalf("curl export leaked off-domain cookie: %q", curl)
	}

	if _, err := m.Export(DefaultJar, "yaml", ""); !errors.Is(err, ErrBadExport) {
		t.Fatalf("expected ErrBadExport, got %v", err)
	}
}

func TestCodec_CSVHeader(t *testing.T) {
	m := NewManager(pagehost.NewFake(), Config{}, nil)
	m.SetJarCookies(DefaultJar, []pagehost.Cookie{{Name: "a,b", Value: "v", Domain: "x", Path: "/"}})
	out, _ := m.Export(DefaultJar, FormatCSV, "")
	if !strings.HasPrefix(out, "Name,Value,Domain,") {
		t.Fatalf("csv header missing: %q", out)
	}
	if !strings.Contains(out, `"a,b"`) {
		t.Fatalf("csv quoting missing: %q", out)
	}
}
