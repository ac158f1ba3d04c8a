// Package normalize canonicalizes subject addresses and owner names so that
// logically identical lookups hash to the same idempotency key.
package normalize

import "strings"

// stateToAbbr maps lowercase full state names to USPS abbreviations.
var stateToAbbr = map[string]string{
	"alabama": "AL", "alaska": "AK", "arizona": "AZ", "arkansas": "AR",
	"california": "CA", "colorado": "CO", "connecticut": "CT", "delaware": "DE",
	"florida": "FL", "georgia": "GA", "hawaii": "HI", "idaho": "ID",
	"illinois": "IL", "indiana": "IN", "iowa": "IA", "kansas": "KS",
	"kentucky": "KY", "louisiana": "LA", "maine": "ME", "maryland": "MD",
	"massachusetts": "MA", "michigan": "MI", "minnesota": "MN", "mississippi": "MS",
	"missouri": "MO", "montana": "MT", "nebraska": "NE", "nevada": "NV",
	"new hampshire": "NH", "new jersey": "NJ", "new mexico": "NM", "new york": "NY",
	"north carolina": "NC", "north dakota": "ND", "ohio": "OH", "oklahoma": "OK",
	"oregon": "OR", "pennsylvania": "PA", "rhode island": "RI", "south carolina": "SC",
	"south dakota": "SD", "tennessee": "TN", "texas": "TX", "utah": "UT",
	"vermont": "VT", "virginia": "VA", "washington": "WA", "west virginia": "WV",
	"wisconsin": "WI", "wyoming": "WY", "district of columbia": "DC",
}

// streetSuffixes maps long street-suffix forms to USPS short forms.
var streetSuffixes = map[string]string{
	"STREET": "ST", "AVENUE": "AVE", "BOULEVARD": "BLVD", "DRIVE": "DR",
	"LANE": "LN", "ROAD": "RD", "COURT": "CT", "CIRCLE": "CIR",
	"PLACE": "PL", "TERRACE": "TER", "TRAIL": "TRL", "PARKWAY": "PKWY",
	"HIGHWAY": "HWY", "SQUARE": "SQ", "LOOP": "LOOP", "WAY": "WAY",
	"NORTH": "N", "SOUTH": "S", "EAST": "E", "WEST": "W",
	"NORTHEAST": "NE", "NORTHWEST": "NW", "SOUTHEAST": "SE", "SOUTHWEST": "SW",
	"APARTMENT": "APT", "SUITE": "STE", "UNIT": "UNIT",
}

// Address canonicalizes a raw street address: uppercase, punctuation
// stripped, whitespace collapsed, street suffixes and directionals reduced to
// USPS short forms, and full state names reduced to abbreviations. The result
// is stable across the cosmetic variations seen in county export files.
func Address(raw string) string {
	s := foldASCII(raw)
	s = strings.ToUpper(s)
	s = stripPunct(s)

	// Reduce multi-word state names before tokenizing.
	for full, abbr := range stateToAbbr {
		if strings.Contains(full, " ") {
			s = strings.ReplaceAll(s, strings.ToUpper(full), abbr)
		}
	}

	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if short, ok := streetSuffixes[f]; ok {
			out = append(out, short)
			continue
		}
		if abbr, ok := stateToAbbr[strings.ToLower(f)]; ok {
			out = append(out, abbr)
			continue
		}
		out = append(out, f)
	}
	return strings.Join(out, " ")
}

// stripPunct replaces punctuation with spaces, keeping alphanumerics.
func stripPunct(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '#':
			// Unit markers become a word boundary, e.g. "#4B" -> "4B".
			b.WriteByte(' ')
		default:
			b.WriteByte(' ')
		}
	}
	return b.String()
}
