package formfill

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/veilcrawl/veilcrawl/pagehost"
)

const signupHTML = `<!doctype html><html><body>
<form id="signup" method="post" action="/register">
  <label for="em">Email address</label>
  <input id="em" name="user_email" type="email" required>
  <input name="fname" placeholder="First name">
  <input name="surname" autocomplete="family-name">
  <input name="phone" type="tel">
  <input name="website_hp" style="display:none">
  <input name="password" type="password">
  <select name="country"><option value="us">US</option><option value="de">DE</option></select>
  <input type="submit" value="Go">
</form>
</body></html>`

const captchaHTML = `<html><body><form id="login">
  <input name="username">
  <div class="g-recaptcha" data-sitekey="x"></div>
</form></body></html>`

func hostWithHTML(doc string) *pagehost.Fake {
	f := pagehost.NewFake()
	f.OnEvaluate = func(code string, args ...any) (any, error) {
		if code == domSnapshotJS {
			return doc, nil
		}
		return true, nil
	}
	return f
}

func fieldByName(t *testing.T, form Form, name string) FormField {
	t.Helper()
	for _, f := range form.Fields {
		if f.Name == name {
			return f
		}
	}
	t.Fatalf("field %q not found in %+v", name, form.Fields)
	return FormField{}
}

func TestAnalyze_FieldTaxonomy(t *testing.T) {
	forms, err := Analyze(context.Background(), hostWithHTML(signupHTML))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(forms) != 1 {
		t.Fatalf("forms = %d, want 1", len(forms))
	}
	form := forms[0]
	if form.ID != "signup" || form.Method != "POST" {
		t.Fatalf("form meta wrong: %+v", form)
	}

	cases := map[string]FieldType{
		"user_email": TypeEmail,     // native type attribute
		"surname":    TypeLastName,  // autocomplete token
		"fname":      TypeFirstName, // regex over placeholder
		"phone":      TypePhone,
		"password":   TypePassword,
		"country":    TypeCountry,
	}
	for name, want := range cases {
		if got := fieldByName(t, form, name).DetectedType; got != want {
			t.Errorf("detectedType(%s) = %s, want %s", name, got, want)
		}
	}

	em := fieldByName(t, form, "user_email")
	if !em.Required || em.Label != "Email address" {
		t.Fatalf("label/required wiring broken: %+v", em)
	}
	if sel := fieldByName(t, form, "country"); len(sel.Options) != 2 {
		t.Fatalf("select options = %v", sel.Options)
	}
	if !fieldByName(t, form, "website_hp").Honeypot {
		t.Fatal("display:none field should be a honeypot")
	}
}

func TestAnalyze_NoForms(t *testing.T) {
	if _, err := Analyze(context.Background(), hostWithHTML("<html><body><p>hi</p></body></html>")); !errors.Is(err, ErrNoForms) {
		t.Fatalf("expected ErrNoForms, got %v", err)
	}
}

func TestFill_ValuePriorityAndSkips(t *testing.T) {
	host := hostWithHTML(signupHTML)
	res, err := Fill(context.Background(), host, 0, map[string]string{
		"user_email": "direct@name.match", // exact name
		"firstName":  "Ada",               // detected type
		"surname":    "Lovelace",          // exact name again
		"country":    "de",
		// no phone, no password
	}, DefaultOptions())
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}

	sources := map[string]string{}
	for _, f := range res.Filled {
		sources[f.Name] = f.ValueSource
	}
	if sources["user_email"] != "name" {
		t.Fatalf("email source = %s, want name", sources["user_email"])
	}
	if sources["fname"] != "type" {
		t.Fatalf("fname source = %s, want type", sources["fname"])
	}

	skipped := map[string]string{}
	for _, s := range res.Skipped {
		skipped[s.Name] = s.Reason
	}
	if skipped["phone"] != "No data provided" {
		t.Fatalf("phone skip reason = %q", skipped["phone"])
	}
	if skipped["website_hp"] != "Honeypot field" {
		t.Fatalf("honeypot skip reason = %q", skipped["website_hp"])
	}
}

func TestFill_CaptchaFailsFast(t *testing.T) {
	host := hostWithHTML(captchaHTML)
	if _, err := Fill(context.Background(), host, 0, map[string]string{"username": "x"}, DefaultOptions()); !errors.Is(err, ErrCAPTCHADetected) {
		t.Fatalf("expected ErrCAPTCHADetected, got %v", err)
	}

	// With skipCaptchas off, the form fills normally.
	opts := DefaultOptions()
	opts.SkipCaptchas = false
	res, err := Fill(context.Background(), host, 0, map[string]string{"username": "x"}, opts)
	if err != nil || len(res.Filled) != 1 {
		t.Fatalf("fill with captchas allowed: %v %+v", err, res)
	}
}

func TestFill_HoneypotOverride(t *testing.T) {
	host := hostWithHTML(signupHTML)
	opts := DefaultOptions()
	opts.RespectHoneypots = false
	res, err := Fill(context.Background(), host, 0, map[string]string{"website_hp": "gotcha"}, opts)
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	found := false
	for _, f := range res.Filled {
		if f.Name == "website_hp" {
			found = true
		}
	}
	if !found {
		t.Fatal("honeypot should be filled when respectHoneypots=false")
	}
}

func TestFill_SubmitAndBadIndex(t *testing.T) {
	host := hostWithHTML(signupHTML)
	var submitted bool
	host.OnEvaluate = func(code string, args ...any) (any, error) {
		if code == domSnapshotJS {
			return signupHTML, nil
		}
		if strings.Contains(code, "requestSubmit") {
			submitted = true
		}
		return true, nil
	}

	opts := DefaultOptions()
	opts.Submit = true
	res, err := Fill(context.Background(), host, 0, map[string]string{"email": "a@b.c"}, opts)
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if !res.Submitted || !submitted {
		t.Fatal("form was not submitted")
	}

	if _, err := Fill(context.Background(), host, 9, nil, DefaultOptions()); !errors.Is(err, ErrFormNotFound) {
		t.Fatalf("expected ErrFormNotFound, got %v", err)
	}
}
