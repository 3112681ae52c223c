package search

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateText is a parsed date token: either a full calendar day or a
// month/day that matches across years.
type DateText struct {
	Year  int // 0 when the token carries no year
	Month time.Month
	Day   int
}

// HasYear reports whether the token names a single calendar day.
func (d DateText) HasYear() bool { return d.Year != 0 }

// DayRange returns the half-open [from, to) window of the calendar day.
// Only valid when HasYear.
func (d DateText) DayRange(loc *time.Location) (time.Time, time.Time) {
	from := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
	return from, from.Add(24 * time.Hour)
}

func (d DateText) String() string {
	if d.HasYear() {
		return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
	}
	return fmt.Sprintf("%02d-%02d", d.Month, d.Day)
}

// Ordered by specificity: a full date must win before its tail could
// match as a bare month/day.
var (
	reFullDate = regexp.MustCompile(`(\d{4})[./-](\d{1,2})[./-](\d{1,2})`)
	reCNDate   = regexp.MustCompile(`(\d{1,2})月(\d{1,2})日?`)
	reMonthDay = regexp.MustCompile(`(\d{1,2})[./-](\d{1,2})`)
)

// ParseDateText parses a bare date token ("2026-01-18", "1.18",
// "6月15日"). Month must be 1..12 and day 1..31; no further calendar
// validation is applied.
func ParseDateText(s string) (DateText, bool) {
	s = strings.TrimSpace(s)
	if m := reFullDate.FindStringSubmatch(s); m != nil && m[0] == s {
		return makeDate(m[1], m[2], m[3])
	}
	if m := reCNDate.FindStringSubmatch(s); m != nil && m[0] == s {
		return makeDate("", m[1], m[2])
	}
	if m := reMonthDay.FindStringSubmatch(s); m != nil && m[0] == s {
		return makeDate("", m[1], m[2])
	}
	return DateText{}, false
}

func makeDate(year, month, day string) (DateText, bool) {
	m, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return DateText{}, false
	}
	out := DateText{Month: time.Month(m), Day: d}
	if year != "" {
		out.Year, _ = strconv.Atoi(year)
	}
	return out, true
}

// SplitDateAndQuery detects a date token anywhere in the input and
// returns it alongside the remainder with whitespace normalised. When
// no valid date is present the whole (normalised) input is returned as
// the remainder.
func SplitDateAndQuery(s string) (dateText string, remainder string) {
	for _, re := range []*regexp.Regexp{reFullDate, reCNDate, reMonthDay} {
		for _, loc := range re.FindAllStringIndex(s, -1) {
			token := s[loc[0]:loc[1]]
			if _, ok := ParseDateText(token); !ok {
				continue
			}
			rest := s[:loc[0]] + " " + s[loc[1]:]
			return token, normalizeSpace(rest)
		}
	}
	return "", normalizeSpace(s)
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
