// Package extract turns a free-text customer message into candidate entities.
//
// Extraction is an ordered list of independent rules. Each rule reads the
// message and fills at most one field of Entities; no rule reads another
// rule's output. The list order is fixed:
//
//	order_id, email, date, address, confirm, cancel
//
// Every rule is a pure function of the message (and, for the date rule, the
// current delivery date and the resolver's clock), so an Extractor is safe
// for concurrent use.
package extract

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/jeeves-cluster-organization/shippingagent/coreengine/dates"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/orders"
)

var (
	orderIDPattern = regexp.MustCompile(`\b([A-Z0-9]{10,15})\b`)
	emailPattern   = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`)
	addressPattern = regexp.MustCompile(`(?i)(\d+\s+[A-Za-z0-9\s]+(?:Street|St|Avenue|Ave|Road|Rd|Drive|Dr|Lane|Ln|Court|Ct|Boulevard|Blvd|Way|Place|Pl)?)\s*,\s*([A-Za-z\s]+?)(?:\s*,\s*|\s+)([A-Za-z]{2,})\s+(\d{5})`)
	digitPattern   = regexp.MustCompile(`\d`)
)

// ConfirmKeywords and CancelKeywords are matched as substrings of the
// lowercased message. "no" also matches inside "now" or "know"; that
// false positive is accepted.
var (
	ConfirmKeywords = []string{"yes", "confirm", "proceed", "go ahead", "correct"}
	CancelKeywords  = []string{"no", "cancel", "nevermind", "never mind", "don't", "dont"}
)

// Entities is the per-message extraction result. Never persisted.
type Entities struct {
	OrderID string          // uppercased, "" when absent
	Email   string          // as written, "" when absent
	Date    string          // resolved M/D/YYYY, "" when absent
	Address *orders.Address // nil when absent
	Confirm bool
	Cancel  bool

	// DateRule names the date rule that matched, for logging.
	DateRule string
}

// HasCredentials reports whether both halves of the lookup pair are present.
func (e Entities) HasCredentials() bool {
	return e.OrderID != "" && e.Email != ""
}

// HasChange reports whether the message proposes a new date or address.
func (e Entities) HasChange() bool {
	return e.Date != "" || e.Address != nil
}

// Input is what a rule sees.
type Input struct {
	Message         string
	Lower           string // lowercased and trimmed
	CurrentDelivery string // verified order's delivery date, may be ""
}

// Rule fills part of Entities from the input.
type Rule struct {
	Name  string
	Apply func(in Input, e *Entities)
}

// Extractor runs the rule list.
type Extractor struct {
	rules []Rule
}

// New builds an Extractor whose date rule delegates to resolver.
func New(resolver *dates.Resolver) *Extractor {
	if resolver == nil {
		resolver = dates.NewResolver()
	}
	return &Extractor{rules: []Rule{
		{Name: "order_id", Apply: orderIDRule},
		{Name: "email", Apply: emailRule},
		{Name: "date", Apply: dateRule(resolver)},
		{Name: "address", Apply: addressRule},
		{Name: "confirm", Apply: keywordRule(ConfirmKeywords, func(e *Entities) { e.Confirm = true })},
		{Name: "cancel", Apply: keywordRule(CancelKeywords, func(e *Entities) { e.Cancel = true })},
	}}
}

// RuleNames returns the rule names in evaluation order.
func (x *Extractor) RuleNames() []string {
	names := make([]string, len(x.rules))
	for i, r := range x.rules {
		names[i] = r.Name
	}
	return names
}

// Extract runs every rule against message.
func (x *Extractor) Extract(message, currentDelivery string) Entities {
	in := Input{
		Message:         message,
		Lower:           strings.ToLower(strings.TrimSpace(message)),
		CurrentDelivery: currentDelivery,
	}
	var e Entities
	for _, r := range x.rules {
		r.Apply(in, &e)
	}
	return e
}

// =============================================================================
// Rules
// =============================================================================

// orderIDRule picks the first 10-15 character alphanumeric token outside any
// email address, preferring tokens that contain a digit.
func orderIDRule(in Input, e *Entities) {
	masked := emailPattern.ReplaceAllStringFunc(in.Message, func(s string) string {
		return strings.Repeat(" ", len(s))
	})
	candidates := orderIDPattern.FindAllStringSubmatch(strings.ToUpper(masked), -1)
	if len(candidates) == 0 {
		return
	}
	for _, c := range candidates {
		if digitPattern.MatchString(c[1]) {
			e.OrderID = c[1]
			return
		}
	}
	e.OrderID = candidates[0][1]
}

func emailRule(in Input, e *Entities) {
	e.Email = emailPattern.FindString(in.Message)
}

func dateRule(resolver *dates.Resolver) func(Input, *Entities) {
	return func(in Input, e *Entities) {
		if name, date, ok := resolver.ResolveWithRule(in.Message, in.CurrentDelivery); ok {
			e.Date = date
			e.DateRule = name
		}
	}
}

func addressRule(in Input, e *Entities) {
	m := addressPattern.FindStringSubmatch(in.Message)
	if m == nil {
		return
	}
	e.Address = &orders.Address{
		Street:  TitleCase(strings.TrimSpace(m[1])),
		City:    TitleCase(strings.TrimSpace(m[2])),
		State:   TitleCase(strings.TrimSpace(m[3])),
		Zipcode: strings.TrimSpace(m[4]),
	}
}

func keywordRule(keywords []string, set func(*Entities)) func(Input, *Entities) {
	return func(in Input, e *Entities) {
		if ContainsKeyword(in.Lower, keywords) {
			set(e)
		}
	}
}

// ContainsKeyword reports whether lower equals or contains any keyword.
func ContainsKeyword(lower string, keywords []string) bool {
	for _, k := range keywords {
		if lower == k || strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// TitleCase uppercases every letter that follows a non-letter and lowercases
// the rest, so "123 main st" becomes "123 Main St" and "1st ave" becomes
// "1St Ave".
func TitleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		b.WriteRune(r)
		prevLetter = false
	}
	return b.String()
}
