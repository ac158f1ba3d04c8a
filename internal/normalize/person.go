package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// nameSuffixes are generational and honorific tokens dropped from owner
// names. Entity suffixes stay: "SMITH HOLDINGS LLC" and "SMITH HOLDINGS" are
// different owners.
var nameSuffixes = map[string]bool{
	"JR": true, "SR": true, "II": true, "III": true, "IV": true,
	"MR": true, "MRS": true, "MS": true, "DR": true, "ESQ": true,
}

// asciiFolder strips combining marks after NFD decomposition, so "Muñoz"
// and "Munoz" normalize identically.
var asciiFolder = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// foldASCII removes diacritics from s. On transform failure the input is
// returned unchanged; a lossy fold is still deterministic.
func foldASCII(s string) string {
	out, _, err := transform.String(asciiFolder, s)
	if err != nil {
		return s
	}
	return out
}

// Person canonicalizes an owner name: diacritics folded, uppercased,
// punctuation stripped, generational suffixes dropped, "LAST, FIRST" comma
// order flattened, and whitespace collapsed.
func Person(raw string) string {
	s := foldASCII(raw)

	// "SMITH, JOHN A" -> "JOHN A SMITH"
	if idx := strings.Index(s, ","); idx >= 0 {
		last := strings.TrimSpace(s[:idx])
		rest := strings.TrimSpace(s[idx+1:])
		if last != "" && rest != "" {
			s = rest + " " + last
		}
	}

	s = strings.ToUpper(s)
	s = stripPunct(s)

	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if nameSuffixes[f] {
			continue
		}
		out = append(out, f)
	}
	return strings.Join(out, " ")
}
