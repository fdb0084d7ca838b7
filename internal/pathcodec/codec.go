// Package pathcodec percent-encodes state-path segments so the delimiters
// reserved by the storage key format (internal/keys) survive a round trip
// through a single remote key.
package pathcodec

import "strings"

// reservedOrder controls encode order: '%' must be replaced first so that
// a literal "%3A" in a segment is not re-escaped when ':' is encoded next.
var reservedOrder = []struct {
	char rune
	esc  string
}{
	{'%', "%25"},
	{':', "%3A"},
	{'.', "%2E"},
	{'|', "%7C"},
	{'$', "%24"},
	{'#', "%23"},
	{'&', "%26"},
	{'=', "%3D"},
	{'+', "%2B"},
	{' ', "%20"},
}

// EncodeSegment percent-encodes the reserved characters in s, in the fixed
// order above, so the result can be safely joined with ':' into a full key.
func EncodeSegment(s string) string {
	out := s
	for _, r := range reservedOrder {
		out = strings.ReplaceAll(out, string(r.char), r.esc)
	}
	return out
}

// DecodeSegment reverses EncodeSegment, undoing substitutions in the
// opposite order so that a decoded "%25" is not mistaken for one of the
// other escapes.
func DecodeSegment(s string) string {
	out := s
	for i := len(reservedOrder) - 1; i >= 0; i-- {
		r := reservedOrder[i]
		out = strings.ReplaceAll(out, r.esc, string(r.char))
	}
	return out
}
