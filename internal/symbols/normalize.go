// Package symbols canonicalizes instrument identity. Every boundary that
// accepts a symbol from the outside (client subscribe messages, order
// placement, broker frames) funnels through ToInstrumentKey so the rest of
// the system only ever sees the "SEGMENT|TOKEN" form.
package symbols

import (
	"fmt"
	"strings"
)

// indexAliases maps the human names of the common indices to their canonical
// keys. Lookup is done on the stripped-alphanumeric form so "NIFTY 50",
// "Nifty-50" and "nifty50" all resolve to the same key.
var indexAliases = map[string]string{
	"NIFTY50":         "NSE_INDEX|Nifty 50",
	"NIFTY":           "NSE_INDEX|Nifty 50",
	"NIFTYBANK":       "NSE_INDEX|Nifty Bank",
	"BANKNIFTY":       "NSE_INDEX|Nifty Bank",
	"NIFTYFINSERVICE": "NSE_INDEX|Nifty Fin Service",
	"FINNIFTY":        "NSE_INDEX|Nifty Fin Service",
	"NIFTYMIDSELECT":  "NSE_INDEX|Nifty Mid Select",
	"MIDCPNIFTY":      "NSE_INDEX|Nifty Mid Select",
	"SENSEX":          "BSE_INDEX|Sensex",
	"BANKEX":          "BSE_INDEX|Bankex",
}

// ToInstrumentKey normalizes a raw symbol into the canonical
// "SEGMENT|TOKEN" key. It trims whitespace, uppercases the segment prefix,
// accepts ":" as a legacy separator, and maps well-known index names.
// Idempotent: a canonical key passes through unchanged.
func ToInstrumentKey(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty symbol")
	}

	if key, ok := indexAliases[ToCanonicalSymbol(s)]; ok {
		return key, nil
	}

	s = strings.Replace(s, ":", "|", 1)
	sep := strings.Index(s, "|")
	if sep <= 0 || sep == len(s)-1 {
		return "", fmt.Errorf("symbol %q is not in SEGMENT|TOKEN form", raw)
	}

	segment := strings.ToUpper(strings.TrimSpace(s[:sep]))
	token := strings.TrimSpace(s[sep+1:])
	if !validSegment(segment) {
		return "", fmt.Errorf("symbol %q has invalid segment %q", raw, segment)
	}
	return segment + "|" + token, nil
}

// ToCanonicalSymbol uppercases and strips non-alphanumerics, producing the
// form used for display-symbol lookups. Idempotent.
func ToCanonicalSymbol(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Segment returns the SEGMENT half of a canonical key, or "" if malformed.
func Segment(key string) string {
	if i := strings.Index(key, "|"); i > 0 {
		return key[:i]
	}
	return ""
}

func validSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for _, r := range seg {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}
