package cookiejar

import (
	"regexp"
	"time"

	"github.com/veilcrawl/veilcrawl/pagehost"
)

// Classification buckets a cookie by apparent purpose.
type Classification string

const (
	ClassAuthentication Classification = "authentication"
	ClassSecurity       Classification = "security"
	ClassAnalytics      Classification = "analytics"
	ClassAdvertising    Classification = "advertising"
	ClassPreferences    Classification = "preferences"
	ClassFunctional     Classification = "functional"
)

// Severity ranks a security issue.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Issue kinds.
const (
	IssueMissingSecure   = "missing_secure"
	IssueMissingHTTPOnly = "missing_httponly"
	IssueMissingSameSite = "missing_samesite"
	IssueLongExpiry      = "long_expiry"
)

// Issue is one finding against a cookie.
type Issue struct {
	Kind     string   `json:"kind"`
	Severity Severity `json:"severity"`
}

// Analysis is the security report for one cookie.
type Analysis struct {
	Name           string         `json:"name"`
	Domain         string         `json:"domain"`
	Classification Classification `json:"classification"`
	Sensitive      bool           `json:"sensitive"`
	Issues         []Issue        `json:"issues,omitempty"`
	Score          int            `json:"score"`
}

// JarReport aggregates per-cookie analyses.
type JarReport struct {
	Jar          string     `json:"jar"`
	CookieCount  int        `json:"cookieCount"`
	AverageScore int        `json:"averageScore"`
	Analyses     []Analysis `json:"analyses"`
}

var (
	reAuth        = regexp.MustCompile(`(?i)session|sid|auth|token|jwt|sso`)
	reSecurity    = regexp.MustCompile(`(?i)csrf|xsrf`)
	reAnalytics   = regexp.MustCompile(`(?i)_ga|_gid|utm`)
	reAdvertising = regexp.MustCompile(`(?i)ad|doubleclick`)
	rePreferences = regexp.MustCompile(`(?i)pref|settings|lang`)
)

// Classify buckets a cookie by name. First matching rule wins.
func Classify(name string) Classification {
	switch {
	case reAuth.MatchString(name):
		return ClassAuthentication
	case reSecurity.MatchString(name):
		return ClassSecurity
	case reAnalytics.MatchString(name):
		return ClassAnalytics
	case reAdvertising.MatchString(name):
		return ClassAdvertising
	case rePreferences.MatchString(name):
		return ClassPreferences
	default:
		return ClassFunctional
	}
}

var severityWeight = map[Severity]int{
	SeverityHigh:   25,
	SeverityMedium: 10,
	SeverityLow:    3,
}

// AnalyzeCookie produces the per-cookie security report.
func AnalyzeCookie(c pagehost.Cookie) Analysis {
	class := Classify(c.Name)
	sensitive := class == ClassAuthentication || class == ClassSecurity

	a := Analysis{
		Name:           c.Name,
		Domain:         c.Domain,
		Classification: class,
		Sensitive:      sensitive,
	}
	addIssue := func(kind string, sev Severity) {
		a.Issues = append(a.Issues, Issue{Kind: kind, Severity: sev})
	}

	if !c.Secure {
		if sensitive {
			addIssue(IssueMissingSecure, SeverityHigh)
		} else {
			addIssue(IssueMissingSecure, SeverityMedium)
		}
	}
	if !c.HTTPOnly {
		if sensitive {
			addIssue(IssueMissingHTTPOnly, SeverityHigh)
		} else {
			addIssue(IssueMissingHTTPOnly, SeverityMedium)
		}
	}
	if c.SameSite == "" {
		addIssue(IssueMissingSameSite, SeverityMedium)
	}
	if c.ExpirationDate > 0 {
		expiry := time.Unix(int64(c.ExpirationDate), 0)
		if time.Until(expiry) > 365*24*time.Hour {
			addIssue(IssueLongExpiry, SeverityLow)
		}
	}

	score := 100
	for _, iss := range a.Issues {
		score -= severityWeight[iss.Severity]
	}
	if score < 0 {
		score = 0
	}
	a.Score = score
	return a
}

// AnalyzeJar runs the analyzer over every cookie in a named jar.
func (m *Manager) AnalyzeJar(name string) (*JarReport, error) {
	j, err := m.GetJar(name)
	if err != nil {
		return nil, err
	}
	rep := &JarReport{Jar: name, CookieCount: len(j.Cookies)}
	total := 0
	for _, c := range j.Cookies {
		a := AnalyzeCookie(c)
		rep.Analyses = append(rep.Analyses, a)
		total += a.Score
	}
	if len(rep.Analyses) > 0 {
		rep.AverageScore = total / len(rep.Analyses)
	} else {
		rep.AverageScore = 100
	}
	return rep, nil
}
