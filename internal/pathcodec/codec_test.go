package pathcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSegment(t *testing.T) {
	cases := map[string]string{
		"plain":          "plain",
		"a:b":            "a%3Ab",
		"a.b":            "a%2Eb",
		"100%":           "100%25",
		"a|b$c#d&e=f+g":  "a%7Cb%24c%23d%26e%3Df%2Bg",
		"has space here": "has%20space%20here",
	}
	for in, want := range cases {
		assert.Equal(t, want, EncodeSegment(in), "encoding %q", in)
	}
}

func TestEncodePercentFirst(t *testing.T) {
	// A literal '%' must become %25 without being re-mangled by later
	// substitutions, and must not cause a decoded segment containing
	// "%3A" literally to be misinterpreted.
	got := EncodeSegment("100%:30")
	assert.Equal(t, "100%25%3A30", got)
}

func TestDecodeSegment(t *testing.T) {
	cases := map[string]string{
		"plain":                   "plain",
		"a%3Ab":                   "a:b",
		"a%2Eb":                   "a.b",
		"100%25":                  "100%",
		"a%7Cb%24c%23d%26e%3Df%2Bg": "a|b$c#d&e=f+g",
		"has%20space%20here":      "has space here",
	}
	for in, want := range cases {
		assert.Equal(t, want, DecodeSegment(in), "decoding %q", in)
	}
}

func TestRoundTrip(t *testing.T) {
	inputs := []string{
		"plain",
		"todo:1",
		"a.b.c",
		"100% done",
		"weird|$#&=+chars",
		"unicode-日本語-✓",
		"",
		"%25 already escaped",
	}
	for _, s := range inputs {
		encoded := EncodeSegment(s)
		decoded := DecodeSegment(encoded)
		require.Equal(t, s, decoded, "round trip for %q via %q", s, encoded)
	}
}
