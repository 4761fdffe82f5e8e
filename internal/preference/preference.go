// Package preference parses the RFC 7240 Prefer header of formula API requests.
package preference

import (
	"net/http"
	"strings"
)

// Preference represents the parsed Prefer header preferences the API honours.
type Preference struct {
	ReturnRepresentation bool
	ReturnMinimal        bool
	// RespondAsync asks for long running work, such as a remote run, to
	// continue in the background while the request returns 202 Accepted.
	RespondAsync bool
}

// ParsePrefer parses the Prefer header from an HTTP request.
// Preferences are comma separated and case-insensitive; parameters after
// a ';' (for example "respond-async; wait=10") are ignored.
func ParsePrefer(r *http.Request) *Preference {
	pref := &Preference{}

	for _, header := range r.Header.Values("Prefer") {
		for _, p := range strings.Split(header, ",") {
			if i := strings.IndexByte(p, ';'); i >= 0 {
				p = p[:i]
			}
			p = strings.ToLower(strings.TrimSpace(p))

			switch p {
			case "return=representation":
				pref.ReturnRepresentation = true
			case "return=minimal":
				pref.ReturnMinimal = true
			case "respond-async":
				pref.RespondAsync = true
			}
		}
	}

	return pref
}

// ShouldReturnContent reports whether the full response body should be written.
// Content is returned unless return=minimal was requested on its own.
func (p *Preference) ShouldReturnContent() bool {
	return !p.ReturnMinimal || p.ReturnRepresentation
}

// PreferenceApplied returns the Preference-Applied header value. asyncApplied
// tells whether the handler actually honoured respond-async.
func (p *Preference) PreferenceApplied(asyncApplied bool) string {
	var applied []string
	if asyncApplied && p.RespondAsync {
		applied = append(applied, "respond-async")
	}
	switch {
	case p.ReturnRepresentation:
		applied = append(applied, "return=representation")
	case p.ReturnMinimal:
		applied = append(applied, "return=minimal")
	}
	return strings.Join(applied, ", ")
}
