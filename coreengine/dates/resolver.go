// Package dates turns free-text date expressions into concrete calendar dates.
//
// Resolution is an ordered chain of rules; the first rule that produces a
// date wins:
//
//	explicit    M/D/YYYY, M-D-YYYY, "Month D, YYYY"
//	month_day   "March 3rd", "jan 15", "3/15"
//	day_only    "the 3rd", "15th"
//	relative    tomorrow, next weekend, weekend, next week,
//	            next <weekday>, sooner / earlier
//
// All output is formatted M/D/YYYY without zero padding.
package dates

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Layout is the textual date format used for delivery dates.
const Layout = "1/2/2006"

// =============================================================================
// Patterns
// =============================================================================

var monthNumbers = map[string]int{
	"january": 1, "jan": 1, "february": 2, "feb": 2,
	"march": 3, "mar": 3, "april": 4, "apr": 4,
	"may": 5, "june": 6, "jun": 6,
	"july": 7, "jul": 7, "august": 8, "aug": 8,
	"september": 9, "sep": 9, "sept": 9,
	"october": 10, "oct": 10, "november": 11, "nov": 11,
	"december": 12, "dec": 12,
}

// monthAlternation keeps long names ahead of their abbreviations so the
// leftmost-first alternation prefers "june" over "jun".
const monthAlternation = "january|jan|february|feb|march|mar|april|apr|may|june|jun|" +
	"july|jul|august|aug|september|sep|sept|october|oct|november|nov|december|dec"

var (
	slashFullPattern = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	dashFullPattern  = regexp.MustCompile(`\b(\d{1,2})-(\d{1,2})-(\d{4})\b`)
	nameFullPattern  = regexp.MustCompile(`\b([A-Za-z]+) (\d{1,2}),? (\d{4})\b`)

	monthDayPattern = regexp.MustCompile(`\b(` + monthAlternation + `)\s+(\d{1,2})(?:st|nd|rd|th)?\b`)
	slashPartial    = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})\b`)
	dayOnlyPattern  = regexp.MustCompile(`(?:the\s+)?(\d{1,2})(?:st|nd|rd|th)\b`)

	weekendPattern     = regexp.MustCompile(`(?:this\s+)?weekend`)
	nextWeekdayPattern = regexp.MustCompile(`next\s+(monday|tuesday|wednesday|thursday|friday|saturday|sunday)`)
)

// weekdayIndex numbers days Monday=0 .. Sunday=6.
var weekdayIndex = map[string]int{
	"monday": 0, "tuesday": 1, "wednesday": 2, "thursday": 3,
	"friday": 4, "saturday": 5, "sunday": 6,
}

// =============================================================================
// Resolver
// =============================================================================

// rule is one step of the resolution chain.
type rule struct {
	name    string
	resolve func(message, lower, currentDelivery string, today time.Time) (time.Time, bool)
}

// Resolver resolves date expressions relative to an injectable clock.
// Safe for concurrent use.
type Resolver struct {
	now   func() time.Time
	rng   *rand.Rand
	rngMu sync.Mutex
	rules []rule
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock sets the clock used for "today".
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRand sets the random source used by "next week" and "sooner".
func WithRand(rng *rand.Rand) Option {
	return func(r *Resolver) {
		if rng != nil {
			r.rng = rng
		}
	}
}

// WithSeed seeds a deterministic random source.
func WithSeed(seed uint64) Option {
	return func(r *Resolver) {
		r.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// NewResolver creates a resolver using the wall clock unless overridden.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		now: time.Now,
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x2545f4914f6cdd1d)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.rules = []rule{
		{"explicit", r.explicitDate},
		{"month_day", r.monthDay},
		{"day_only", r.dayOnly},
		{"relative", r.relative},
	}
	return r
}

// RuleNames returns the resolution chain in evaluation order.
func (r *Resolver) RuleNames() []string {
	names := make([]string, len(r.rules))
	for i, rl := range r.rules {
		names[i] = rl.name
	}
	return names
}

// Resolve returns the first date any rule recovers from message, formatted
// M/D/YYYY. currentDelivery is only consulted by "sooner"/"earlier".
func (r *Resolver) Resolve(message, currentDelivery string) (string, bool) {
	_, date, ok := r.ResolveWithRule(message, currentDelivery)
	return date, ok
}

// ResolveWithRule is Resolve that also reports which rule matched.
func (r *Resolver) ResolveWithRule(message, currentDelivery string) (string, string, bool) {
	today := dateOnly(r.now())
	lower := strings.ToLower(message)
	for _, rl := range r.rules {
		if t, ok := rl.resolve(message, lower, currentDelivery, today); ok {
			return rl.name, Format(t), true
		}
	}
	return "", "", false
}

// Today returns the resolver's current date at midnight.
func (r *Resolver) Today() time.Time {
	return dateOnly(r.now())
}

// =============================================================================
// Rules
// =============================================================================

// explicitDate handles dates that carry their own year.
func (r *Resolver) explicitDate(message, _, _ string, today time.Time) (time.Time, bool) {
	if m := slashFullPattern.FindStringSubmatch(message); m != nil {
		if t, ok := numericDate(m[3], m[1], m[2], today.Location()); ok {
			return t, true
		}
	}
	if m := dashFullPattern.FindStringSubmatch(message); m != nil {
		if t, ok := numericDate(m[3], m[1], m[2], today.Location()); ok {
			return t, true
		}
	}
	if m := nameFullPattern.FindStringSubmatch(message); m != nil {
		month, known := monthNumbers[strings.ToLower(m[1])]
		if !known {
			return time.Time{}, false
		}
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if t, ok := validDate(year, month, day, today.Location()); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// monthDay handles a month and day without a year.
func (r *Resolver) monthDay(_, lower, _ string, today time.Time) (time.Time, bool) {
	if m := monthDayPattern.FindStringSubmatch(lower); m != nil {
		day, _ := strconv.Atoi(m[2])
		return r.nextFutureDate(today, monthNumbers[m[1]], day), true
	}

	// M/D must not continue into /YYYY.
	for _, idx := range slashPartial.FindAllStringSubmatchIndex(lower, -1) {
		rest := lower[idx[1]:]
		if len(rest) >= 2 && rest[0] == '/' && rest[1] >= '0' && rest[1] <= '9' {
			continue
		}
		month, _ := strconv.Atoi(lower[idx[2]:idx[3]])
		day, _ := strconv.Atoi(lower[idx[4]:idx[5]])
		if month < 1 || month > 12 || day < 1 || day > 31 {
			return time.Time{}, false
		}
		return r.nextFutureDate(today, month, day), true
	}
	return time.Time{}, false
}

// dayOnly handles a bare ordinal day. A day on or before today's day of
// month rolls into next month.
func (r *Resolver) dayOnly(_, lower, _ string, today time.Time) (time.Time, bool) {
	m := dayOnlyPattern.FindStringSubmatch(lower)
	if m == nil {
		return time.Time{}, false
	}
	day, _ := strconv.Atoi(m[1])
	if day < 1 || day > 31 {
		return time.Time{}, false
	}

	year, month := today.Year(), int(today.Month())
	if day <= today.Day() {
		year, month = nextMonth(year, month)
	}
	if t, ok := validDate(year, month, day, today.Location()); ok {
		return t, true
	}
	year, month = nextMonth(year, month)
	return validDate(year, month, day, today.Location())
}

// relative handles expressions anchored on today.
func (r *Resolver) relative(_, lower, currentDelivery string, today time.Time) (time.Time, bool) {
	wd := mondayIndex(today)

	switch {
	case strings.Contains(lower, "tomorrow"):
		return today.AddDate(0, 0, 1), true

	case strings.Contains(lower, "next weekend"):
		days := (5 - wd + 7) % 7
		if days == 0 {
			days = 7
		}
		return today.AddDate(0, 0, days+7), true

	case weekendPattern.MatchString(lower):
		// Saturday yields today; Sunday rolls to the following Saturday.
		return today.AddDate(0, 0, (5-wd+7)%7), true

	case strings.Contains(lower, "next week"):
		days := (7 - wd) % 7
		if days == 0 {
			days = 7
		}
		monday := today.AddDate(0, 0, days)
		return monday.AddDate(0, 0, r.intN(5)), true
	}

	if m := nextWeekdayPattern.FindStringSubmatch(lower); m != nil {
		days := (weekdayIndex[m[1]] - wd + 7) % 7
		if days == 0 {
			days = 7
		}
		return today.AddDate(0, 0, days), true
	}

	if strings.Contains(lower, "sooner") || strings.Contains(lower, "earlier") {
		return r.sooner(today, currentDelivery), true
	}

	return time.Time{}, false
}

// sooner picks a date in [tomorrow, currentDelivery) or tomorrow when that
// interval is empty or the current date is unusable.
func (r *Resolver) sooner(today time.Time, currentDelivery string) time.Time {
	tomorrow := today.AddDate(0, 0, 1)
	if currentDelivery == "" {
		return tomorrow
	}
	delivery, err := Parse(currentDelivery, today.Location())
	if err != nil || !delivery.After(tomorrow) {
		return tomorrow
	}
	delta := daysBetween(tomorrow, delivery)
	if delta <= 1 {
		return tomorrow
	}
	return tomorrow.AddDate(0, 0, r.intN(delta))
}

// nextFutureDate builds month/day in the current year, clamping an invalid
// day downward, and moves to next year when the result is not after today.
func (r *Resolver) nextFutureDate(today time.Time, month, day int) time.Time {
	loc := today.Location()
	candidate, ok := clampDay(today.Year(), month, day, loc)
	if !ok {
		return today.AddDate(0, 0, 1)
	}
	if !candidate.After(today) {
		if next, ok := clampDay(today.Year()+1, month, day, loc); ok {
			candidate = next
		}
	}
	return candidate
}

func (r *Resolver) intN(n int) int {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.IntN(n)
}

// =============================================================================
// Helpers
// =============================================================================

// Format renders t as M/D/YYYY.
func Format(t time.Time) string {
	return t.Format(Layout)
}

// Parse reads an M/D/YYYY date.
func Parse(value string, loc *time.Location) (time.Time, error) {
	parts := strings.Split(strings.TrimSpace(value), "/")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("date %q: expected M/D/YYYY", value)
	}
	t, ok := numericDate(parts[2], parts[0], parts[1], loc)
	if !ok {
		return time.Time{}, fmt.Errorf("date %q: not a calendar date", value)
	}
	return t, nil
}

func numericDate(yearStr, monthStr, dayStr string, loc *time.Location) (time.Time, bool) {
	year, err1 := strconv.Atoi(yearStr)
	month, err2 := strconv.Atoi(monthStr)
	day, err3 := strconv.Atoi(dayStr)
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	return validDate(year, month, day, loc)
}

// validDate reports whether year/month/day names a real calendar date.
func validDate(year, month, day int, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	if month < 1 || month > 12 || day < 1 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

// clampDay steps day downward until it is valid for the month.
func clampDay(year, month, day int, loc *time.Location) (time.Time, bool) {
	for d := day; d > 0; d-- {
		if t, ok := validDate(year, month, d, loc); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func nextMonth(year, month int) (int, int) {
	if month == 12 {
		return year + 1, 1
	}
	return year, month + 1
}

func mondayIndex(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func daysBetween(from, to time.Time) int {
	a := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}
