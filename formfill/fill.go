package formfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrCAPTCHADetected is returned when a form carries a CAPTCHA and
// Options.SkipCaptchas is set.
var ErrCAPTCHADetected = errors.New("formfill: captcha detected")

// ErrFormNotFound means the requested form index does not exist.
var ErrFormNotFound = errors.New("formfill: form not found")

// Options controls Fill.
type Options struct {
	// RespectHoneypots leaves trap fields untouched. On by default.
	RespectHoneypots bool
	// SkipCaptchas makes Fill fail fast on CAPTCHA-protected forms.
	SkipCaptchas bool
	// Submit submits the form after filling.
	Submit bool
	// Delay is the pause between field fills; pluggable so callers can
	// substitute humanized timing.
	Delay func(ctx context.Context) error
}

// DefaultOptions returns the safe defaults.
func DefaultOptions() Options {
	return Options{RespectHoneypots: true, SkipCaptchas: true}
}

// FilledField reports one successful fill.
type FilledField struct {
	Selector     string    `json:"selector"`
	Name         string    `json:"name,omitempty"`
	DetectedType FieldType `json:"detectedType"`
	ValueSource  string    `json:"valueSource"` // name, id, type, alias
}

// SkippedField reports one skipped field.
type SkippedField struct {
	Selector string `json:"selector"`
	Name     string `json:"name,omitempty"`
	Reason   string `json:"reason"`
}

// Result is the fill report.
type Result struct {
	FormIndex int            `json:"formIndex"`
	Filled    []FilledField  `json:"filled"`
	Skipped   []SkippedField `json:"skipped"`
	Submitted bool           `json:"submitted"`
}

// aliasTable maps field types to alternate data-map keys.
var aliasTable = map[FieldType][]string{
	TypeEmail:     {"email_address", "e-mail", "mail", "emailAddress"},
	TypePhone:     {"phone_number", "telephone", "mobile", "phoneNumber"},
	TypeFirstName: {"first_name", "fname", "given_name", "firstName"},
	TypeLastName:  {"last_name", "lname", "surname", "family_name", "lastName"},
	TypeFullName:  {"full_name", "name", "fullName"},
	TypeUsername:  {"user_name", "login", "userName"},
	TypeAddress:   {"street_address", "street", "address1", "streetAddress"},
	TypeCity:      {"town"},
	TypeState:     {"province", "region"},
	TypeZipCode:   {"zip", "postal_code", "postcode", "postalCode"},
	TypeCompany:   {"organization", "organisation", "employer"},
	TypeURL:       {"website", "homepage"},
	TypePassword:  {"pass", "pwd"},
}

// lookupValue resolves a field's value from the data map by priority:
// exact name, exact id, detected type, alias table.
func lookupValue(f FormField, data map[string]string) (value, source string, ok bool) {
	if f.Name != "" {
		if v, hit := data[f.Name]; hit {
			return v, "name", true
		}
	}
	if f.ID != "" {
		if v, hit := data[f.ID]; hit {
			return v, "id", true
		}
	}
	if v, hit := data[string(f.DetectedType)]; hit {
		return v, "type", true
	}
	for _, alias := range aliasTable[f.DetectedType] {
		if v, hit := data[alias]; hit {
			return v, "alias", true
		}
	}
	return "", "", false
}

const setFieldJS = `(sel, value) => {
	const el = document.querySelector(sel);
	if (!el) return false;
	const proto = el.tagName === 'TEXTAREA' ? HTMLTextAreaElement.prototype
		: el.tagName === 'SELECT' ? HTMLSelectElement.prototype
		: HTMLInputElement.prototype;
	const setter = Object.getOwnPropertyDescriptor(proto, 'value').set;
	setter.call(el, value);
	el.dispatchEvent(new Event('input', {bubbles: true}));
	el.dispatchEvent(new Event('change', {bubbles: true}));
	return true;
}`

const submitFormJS = `(idx) => {
	const form = document.forms[idx];
	if (!form) return false;
	form.requestSubmit ? form.requestSubmit() : form.submit();
	return true;
}`

// Fill analyzes the document and fills form formIndex from data.
func Fill(ctx context.Context, h Host, formIndex int, data map[string]string, opts Options) (*Result, error) {
	forms, err := Analyze(ctx, h)
	if err != nil {
		return nil, err
	}
	if formIndex < 0 || formIndex >= len(forms) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrFormNotFound, formIndex, len(forms))
	}
	return FillForm(ctx, h, forms[formIndex], data, opts)
}

// FillForm fills an already-analyzed form.
func FillForm(ctx context.Context, h Host, form Form, data map[string]string, opts Options) (*Result, error) {
	if form.HasCaptcha && opts.SkipCaptchas {
		return nil, ErrCAPTCHADetected
	}

	res := &Result{FormIndex: form.Index}
	for _, f := range form.Fields {
		if f.Honeypot && opts.RespectHoneypots {
			res.Skipped = append(res.Skipped, SkippedField{Selector: f.Selector, Name: f.Name, Reason: "Honeypot field"})
			continue
		}
		if f.InputType == "submit" || f.InputType == "button" || f.InputType == "hidden" {
			continue
		}

		value, source, ok := lookupValue(f, data)
		if !ok {
			res.Skipped = append(res.Skipped, SkippedField{Selector: f.Selector, Name: f.Name, Reason: "No data provided"})
			continue
		}

		if opts.Delay != nil {
			if err := opts.Delay(ctx); err != nil {
				return res, fmt.Errorf("formfill: delay: %w", err)
			}
		}
		if err := setField(ctx, h, f.Selector, value); err != nil {
			return res, fmt.Errorf("formfill: set %s: %w", f.Selector, err)
		}
		res.Filled = append(res.Filled, FilledField{
			Selector:     f.Selector,
			Name:         f.Name,
			DetectedType: f.DetectedType,
			ValueSource:  source,
		})
	}

	if opts.Submit {
		if _, err := h.Evaluate(ctx, submitFormJS, form.Index); err != nil {
			return res, fmt.Errorf("formfill: submit: %w", err)
		}
		res.Submitted = true
	}
	return res, nil
}

func setField(ctx context.Context, h Host, selector, value string) error {
	raw, err := h.Evaluate(ctx, setFieldJS, selector, value)
	if err != nil {
		return err
	}
	if found, ok := raw.(bool); ok && !found {
		return fmt.Errorf("element not found")
	}
	return nil
}

// FixedDelay returns a Delay function sleeping d between fills,
// cancellable through the context.
func FixedDelay(d time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}

// MarshalReport renders a Result as indented JSON for client responses.
func MarshalReport(r *Result) (string, error) {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("formfill: marshal report: %w", err)
	}
	return string(raw), nil
}
