package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var isoDateRe = regexp.MustCompile(`ISODate\(\s*"([^"]*)"\s*\)`)

var isoDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseISODate parses the argument of an ISODate("...") literal. Values
// without a zone are read as UTC.
func ParseISODate(value string) (time.Time, error) {
	for _, layout := range isoDateLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid ISODate value %q", value)
}

// ReplaceISODates calls repl with the argument of every ISODate("...") literal
// in text and substitutes the returned text for the whole literal.
func ReplaceISODates(text string, repl func(value string) string) string {
	return isoDateRe.ReplaceAllStringFunc(text, func(lit string) string {
		return repl(isoDateRe.FindStringSubmatch(lit)[1])
	})
}

// NormalizeISODates rewrites ISODate("...") literals as extended JSON dates so
// the text can be decoded as plain JSON.
func NormalizeISODates(text string) string {
	return ReplaceISODates(text, func(value string) string {
		if t, err := ParseISODate(value); err == nil {
			value = t.Format(time.RFC3339Nano)
		}
		return `{"$date":` + strconv.Quote(value) + `}`
	})
}
