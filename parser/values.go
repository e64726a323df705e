package parser

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"harvestd/models"
)

var (
	multiSpace   = regexp.MustCompile(`\s+`)
	numberRegex  = regexp.MustCompile(`[0-9][0-9.,' ]*`)
	currencyCode = regexp.MustCompile(`\b(USD|CAD|EUR|GBP|AUD|JPY|CHF|MXN)\b`)

	currencySymbols = map[string]string{
		"C$":  "CAD",
		"A$":  "AUD",
		"US$": "USD",
		"$":   "USD",
		"€":   "EUR",
		"£":   "GBP",
		"¥":   "JPY",
	}
	// zero-decimal currencies
	noMinorUnits = map[string]bool{"JPY": true}

	dateLayouts = []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"01/02/2006",
		"1/2/2006",
		"Jan 2, 2006",
		"January 2, 2006",
		"2 Jan 2006",
		"2 January 2006",
		"Mon Jan 2, 2006",
		"Mon, Jan 2, 2006",
	}
)

func cleanText(s string) string {
	return strings.TrimSpace(multiSpace.ReplaceAllString(s, " "))
}

// parsePrice reads a display price into integer minor units. The currency is
// taken from the text when present, otherwise from fallback.
func parsePrice(text, fallback string) (int64, string, error) {
	text = cleanText(text)
	if text == "" {
		return 0, "", fmt.Errorf("empty price")
	}
	currency := detectCurrency(text)
	if currency == "" {
		currency = strings.ToUpper(fallback)
	}
	raw := numberRegex.FindString(text)
	if raw == "" {
		return 0, currency, fmt.Errorf("no amount in %q", text)
	}
	amount, err := parseAmount(raw)
	if err != nil {
		return 0, currency, err
	}
	scale := 100.0
	if noMinorUnits[currency] {
		scale = 1
	}
	return int64(math.Round(amount * scale)), currency, nil
}

func detectCurrency(text string) string {
	if m := currencyCode.FindString(strings.ToUpper(text)); m != "" {
		return m
	}
	// longest symbols first so "C$" wins over "$"
	for _, sym := range []string{"US$", "C$", "A$", "$", "€", "£", "¥"} {
		if strings.Contains(text, sym) {
			return currencySymbols[sym]
		}
	}
	return ""
}

// parseAmount handles "12,500", "12.500,00", "1 234.5" and "12'500".
func parseAmount(raw string) (float64, error) {
	s := strings.NewReplacer(" ", "", "'", "").Replace(strings.TrimSpace(raw))
	s = strings.TrimRight(s, ".,")
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		// a single comma followed by exactly two digits is a decimal separator
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 == 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastDot >= 0:
		// "12.500" with a three digit tail is a thousands separator
		if strings.Count(s, ".") > 1 || len(s)-lastDot-1 == 3 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return v, nil
}

// parseInteger reads the first integer in text, ignoring grouping characters.
func parseInteger(text string) (int64, error) {
	raw := numberRegex.FindString(text)
	if raw == "" {
		return 0, fmt.Errorf("no number in %q", text)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		if r == '.' {
			return '.'
		}
		return -1
	}, raw)
	if i := strings.Index(digits, "."); i >= 0 && len(digits)-i-1 != 3 {
		digits = digits[:i]
	}
	digits = strings.ReplaceAll(digits, ".", "")
	return strconv.ParseInt(digits, 10, 64)
}

func parseDate(text string) (time.Time, error) {
	text = cleanText(text)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", text)
}

func parseBool(text string) (bool, error) {
	switch strings.ToLower(cleanText(text)) {
	case "yes", "y", "true", "1", "on", "available":
		return true, nil
	case "no", "n", "false", "0", "off", "unavailable", "none":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", text)
}

// coerce converts extracted text into a typed attribute.
func coerce(key string, typ models.AttributeType, text string) (models.Attribute, error) {
	text = cleanText(text)
	if text == "" {
		return models.Attribute{}, fmt.Errorf("attribute %s: empty value", key)
	}
	switch typ {
	case models.AttrString, "":
		return models.StringAttr(key, text), nil
	case models.AttrNumber:
		raw := numberRegex.FindString(text)
		if raw == "" {
			return models.Attribute{}, fmt.Errorf("attribute %s: no number in %q", key, text)
		}
		v, err := parseAmount(raw)
		if err != nil {
			return models.Attribute{}, fmt.Errorf("attribute %s: %w", key, err)
		}
		return models.NumberAttr(key, v), nil
	case models.AttrBool:
		v, err := parseBool(text)
		if err != nil {
			return models.Attribute{}, fmt.Errorf("attribute %s: %w", key, err)
		}
		return models.BoolAttr(key, v), nil
	case models.AttrTime:
		v, err := parseDate(text)
		if err != nil {
			return models.Attribute{}, fmt.Errorf("attribute %s: %w", key, err)
		}
		return models.TimeAttr(key, v), nil
	}
	return models.Attribute{}, fmt.Errorf("attribute %s: unknown type %q", key, typ)
}
