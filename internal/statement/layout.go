package statement

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultBank is the layout used when no bank code is supplied.
const DefaultBank = "tbank"

// amountPattern matches a signed amount with optional thousand groups.
const amountPattern = `[+-]?\s*(?:\d{1,3}(?:[ ,]\d{3})+|\d+)(?:\.\d{1,2})?`

const glyphPattern = `(?:i|₽|\$|€|£|RUB)?`

const datePattern = `\d{2}\.\d{2}\.(?:\d{4}|\d{2})`

// Layout describes where balance anchors and transaction lines sit in a
// bank's extracted statement text.
type Layout struct {
	Bank string
	// Anchor captures (date, amount) of an opening or closing balance line.
	Anchor *regexp.Regexp
	// Line captures (entry date, receipt date, amount) of a transaction.
	Line *regexp.Regexp
}

var layouts = map[string]Layout{
	"tbank": {
		Bank:   "tbank",
		Anchor: regexp.MustCompile(`(?i:баланс на|balance on)\s+(` + datePattern + `)\s+(` + amountPattern + `)\s*` + glyphPattern),
		Line: regexp.MustCompile(`(` + datePattern + `)\s*(?:\d{2}:\d{2})?\s+(` + datePattern + `)(?:\s*\d{2}:\d{2})?\s+(` +
			amountPattern + `)\s*` + glyphPattern),
	},
}

// LayoutFor resolves a bank code. An empty code selects DefaultBank.
func LayoutFor(bank string) (Layout, error) {
	code := strings.ToLower(strings.TrimSpace(bank))
	if code == "" {
		code = DefaultBank
	}
	layout, ok := layouts[code]
	if !ok {
		return Layout{}, fmt.Errorf("%w: %q", ErrUnsupportedBank, bank)
	}
	return layout, nil
}

// Banks lists supported bank codes.
func Banks() []string {
	out := make([]string, 0, len(layouts))
	for code := range layouts {
		out = append(out, code)
	}
	return out
}
