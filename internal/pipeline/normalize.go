package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NormalizeIdentifier canonicalizes a record identifier to its integer
// string form. Numeric identifiers that round-tripped through a float pick
// up a spurious ".0" suffix; the canonical form strips it so relational
// keys, blob paths, and dedup lookups all agree. The function is idempotent:
// normalizing an already-canonical identifier returns it unchanged.
func NormalizeIdentifier(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", errors.New("identifier is missing")
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return "", errors.New("identifier is empty")
		}
		return stripFractionSuffix(s), nil
	case json.Number:
		return stripFractionSuffix(t.String()), nil
	case float64:
		return formatNumericID(t)
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	default:
		return "", fmt.Errorf("unsupported identifier type %T", v)
	}
}

func formatNumericID(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("identifier %v is not a finite number", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// stripFractionSuffix removes a trailing all-zero fractional part from a
// numeric string: "2061234567.0" -> "2061234567". Non-numeric strings and
// genuine fractions pass through untouched.
func stripFractionSuffix(s string) string {
	dot := strings.IndexByte(s, '.')
	if dot <= 0 || dot == len(s)-1 {
		return s
	}
	intPart, frac := s[:dot], s[dot+1:]
	if !allDigits(intPart) || !allZeros(frac) {
		return s
	}
	return intPart
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

func allZeros(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != '0' {
			return false
		}
	}
	return len(s) > 0
}
