package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
	nonDigitRe   = regexp.MustCompile(`\D`)
)

// unitRe captures a trailing secondary unit designator.
var unitRe = regexp.MustCompile(`\s+(?:APT|APARTMENT|UNIT|STE|SUITE|#)\s*#?\s*([A-Z0-9-]+)$`)

// streetSuffixes maps USPS street suffix spellings to their standard abbreviation.
var streetSuffixes = map[string]string{
	"AVENUE": "AVE", "AV": "AVE", "AVEN": "AVE",
	"BOULEVARD": "BLVD", "BOUL": "BLVD",
	"CIRCLE": "CIR", "CIRC": "CIR",
	"COURT": "CT", "CRT": "CT",
	"DRIVE": "DR", "DRV": "DR",
	"EXPRESSWAY": "EXPY",
	"HIGHWAY":    "HWY", "HIWAY": "HWY",
	"LANE":    "LN",
	"PARKWAY": "PKWY", "PKY": "PKWY",
	"PLACE":  "PL",
	"ROAD":   "RD",
	"SQUARE": "SQ",
	"STREET": "ST", "STR": "ST",
	"TERRACE": "TER", "TERR": "TER",
	"TRAIL": "TRL",
	"WAY":   "WAY",
}

// directionals maps compass words to USPS directional abbreviations.
var directionals = map[string]string{
	"NORTH": "N", "SOUTH": "S", "EAST": "E", "WEST": "W",
	"NORTHEAST": "NE", "NORTHWEST": "NW", "SOUTHEAST": "SE", "SOUTHWEST": "SW",
}

// stateCodes maps upper-case state names to USPS codes.
var stateCodes = map[string]string{
	"ALABAMA": "AL", "ALASKA": "AK", "ARIZONA": "AZ", "ARKANSAS": "AR",
	"CALIFORNIA": "CA", "COLORADO": "CO", "CONNECTICUT": "CT", "DELAWARE": "DE",
	"FLORIDA": "FL", "GEORGIA": "GA", "HAWAII": "HI", "IDAHO": "ID",
	"ILLINOIS": "IL", "INDIANA": "IN", "IOWA": "IA", "KANSAS": "KS",
	"KENTUCKY": "KY", "LOUISIANA": "LA", "MAINE": "ME", "MARYLAND": "MD",
	"MASSACHUSETTS": "MA", "MICHIGAN": "MI", "MINNESOTA": "MN", "MISSISSIPPI": "MS",
	"MISSOURI": "MO", "MONTANA": "MT", "NEBRASKA": "NE", "NEVADA": "NV",
	"NEW HAMPSHIRE": "NH", "NEW JERSEY": "NJ", "NEW MEXICO": "NM", "NEW YORK": "NY",
	"NORTH CAROLINA": "NC", "NORTH DAKOTA": "ND", "OHIO": "OH", "OKLAHOMA": "OK",
	"OREGON": "OR", "PENNSYLVANIA": "PA", "RHODE ISLAND": "RI", "SOUTH CAROLINA": "SC",
	"SOUTH DAKOTA": "SD", "TENNESSEE": "TN", "TEXAS": "TX", "UTAH": "UT",
	"VERMONT": "VT", "VIRGINIA": "VA", "WASHINGTON": "WA", "WEST VIRGINIA": "WV",
	"WISCONSIN": "WI", "WYOMING": "WY", "DISTRICT OF COLUMBIA": "DC",
}

var validStateCodes = func() map[string]bool {
	m := make(map[string]bool, len(stateCodes))
	for _, code := range stateCodes {
		m[code] = true
	}
	return m
}()

// fold upper-cases s, strips diacritics and punctuation, and collapses spaces.
func fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(t, s); err == nil {
		s = out
	}
	s = strings.ToUpper(s)
	s = strings.NewReplacer(
		",", " ",
		".", "",
		"'", "",
		"\"", "",
		"&", " AND ",
	).Replace(s)
	s = multiSpaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// StreetLine canonicalizes a street line and splits off any unit designator.
// An explicit unit overrides one found in the line.
func StreetLine(line, unit string) (string, string) {
	line = fold(line)
	if m := unitRe.FindStringSubmatch(line); m != nil {
		line = strings.TrimSpace(line[:len(line)-len(m[0])])
		if unit == "" {
			unit = m[1]
		}
	}
	unit = strings.TrimLeft(fold(unit), "# ")
	for _, prefix := range []string{"APT ", "UNIT ", "STE ", "SUITE "} {
		unit = strings.TrimPrefix(unit, prefix)
	}

	words := strings.Fields(line)
	for i, w := range words {
		// directionals right after the house number or at the end
		if d, ok := directionals[w]; ok && len(words) > 3 && (i == 1 || i == len(words)-1) {
			words[i] = d
			continue
		}
		if s, ok := streetSuffixes[w]; ok && (i == len(words)-1 || (i == len(words)-2 && isDirectional(words[i+1]))) {
			words[i] = s
		}
	}
	return strings.Join(words, " "), strings.TrimSpace(unit)
}

func isDirectional(w string) bool {
	if _, ok := directionals[w]; ok {
		return true
	}
	switch w {
	case "N", "S", "E", "W", "NE", "NW", "SE", "SW":
		return true
	}
	return false
}

// City canonicalizes a city name.
func City(city string) string {
	return fold(city)
}

// State returns the USPS code for a state name or code, or "" when unknown.
func State(state string) string {
	s := fold(state)
	if validStateCodes[s] {
		return s
	}
	return stateCodes[s]
}

// Zip returns the 5-digit ZIP of a ZIP or ZIP+4, or "" when malformed.
// Numeric ZIPs that lost leading zeros are padded.
func Zip(zip string) string {
	z := strings.TrimSpace(zip)
	if i := strings.IndexByte(z, '-'); i >= 0 {
		z = z[:i]
	}
	z = nonDigitRe.ReplaceAllString(z, "")
	switch {
	case len(z) == 5:
		return z
	case len(z) == 9:
		return z[:5]
	case len(z) >= 3 && len(z) < 5:
		return strings.Repeat("0", 5-len(z)) + z
	}
	return ""
}
