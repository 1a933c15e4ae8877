// Package moderation provides content filtering for marketplace chat.
// Messages between client hunters and freelancers must not carry URLs or
// direct contact information, which would let the parties settle outside
// the platform's payment flow. The filter redacts both families and
// reports what it removed so the caller can flag the stored message.
package moderation

import (
	"regexp"
	"strings"
)

// Placeholder tokens substituted for redacted content. One fixed token per
// family; the tokens themselves never match either pattern family, which
// keeps the filter idempotent.
const (
	URLPlaceholder     = "[URL REMOVED]"
	ContactPlaceholder = "[CONTACT INFO REMOVED]"
)

// Compiled patterns, built once at package init and safe for concurrent use.
var (
	// urlPattern matches scheme-qualified URLs, www-prefixed hosts, and bare
	// tokens ending in a well-known TLD (with an optional path). The \b after
	// the TLD keeps "nice.commentary" from matching as "nice.com".
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(?:com|net|org|io|co|me|app|dev|tech|ai|ml)\b(?:/\S*)?)`)

	// contactPattern matches email addresses, international phone numbers
	// (7-15 digits, optional +), NNN-NNN-NNNN style numbers, and @handles.
	// The email alternative comes first so a full address wins over the
	// @handle alternative at the same position. Phone alternatives require
	// at least seven digits so ordinary small numbers pass through.
	contactPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}|\+?[1-9]\d{6,14}|\b\d{3}[-.]\d{3}[-.]\d{4}\b|@[A-Za-z0-9_]+`)
)

// Result is the outcome of filtering one message body.
type Result struct {
	Content    string   // body with all detected substrings redacted
	Violations []string // one entry per family that matched
	Clean      bool     // true iff nothing matched
}

// Filter screens message bodies for URLs and contact information.
// The zero cost of construction is deliberate: patterns are package-level,
// so a Filter is just a handle that the gateway can be given as a dependency.
type Filter struct{}

// NewFilter returns a ready-to-use Filter.
func NewFilter() *Filter {
	return &Filter{}
}

// FilterMessage redacts URLs and contact information from content.
//
// Detection for both families runs against the original body; the two
// substitution passes are then applied in order (URLs first) to a working
// copy. Running the URL pass first means an address like bob@example.com is
// consumed whole by the bare-domain alternative before the contact pass
// sees it, so the cleaned body never leaks a partial address.
//
// The method is total: any input, including empty or whitespace-only
// strings, returns without error.
func (f *Filter) FilterMessage(content string) Result {
	res := Result{Content: content, Clean: true}

	urlMatches := urlPattern.FindAllString(content, -1)
	contactMatches := contactPattern.FindAllString(content, -1)

	if len(urlMatches) > 0 {
		res.Violations = append(res.Violations,
			"URLs detected: "+strings.Join(urlMatches, ", "))
		res.Content = urlPattern.ReplaceAllString(res.Content, URLPlaceholder)
		res.Clean = false
	}

	if len(contactMatches) > 0 {
		res.Violations = append(res.Violations,
			"Contact information detected: "+strings.Join(contactMatches, ", "))
		res.Content = contactPattern.ReplaceAllString(res.Content, ContactPlaceholder)
		res.Clean = false
	}

	return res
}

// ContainsViolations reports whether content would be redacted, without
// building the cleaned body. Used by callers that only need a verdict.
func (f *Filter) ContainsViolations(content string) bool {
	return urlPattern.MatchString(content) || contactPattern.MatchString(content)
}
