package normalize

import (
	"regexp"
	"strings"
)

// Normalized property types.
const (
	TypeSingleFamily = "single_family"
	TypeCondo        = "condo"
	TypeTownhouse    = "townhouse"
	TypeApartment    = "apartment"
	TypeMultifamily  = "multifamily"
	TypeManufactured = "manufactured"
	TypeLand         = "land"
	TypeCommercial   = "commercial"
	TypeFarm         = "farm"
	TypeUnknown      = "unknown"
)

var typeSepRe = regexp.MustCompile(`[\s_/|-]+`)

// typeRules are checked in order; the first rule with a matching keyword wins.
var typeRules = []struct {
	typ      string
	keywords []string
}{
	{TypeCondo, []string{"condo", "condominium"}},
	{TypeTownhouse, []string{"townhouse", "town home", "town house", "rowhouse", "row house"}},
	{TypeApartment, []string{"apartment", "apt", "flat"}},
	{TypeManufactured, []string{"manufactured", "mobile", "trailer", "modular"}},
	{TypeLand, []string{"land", "lot", "vacant", "acre"}},
	{TypeCommercial, []string{"commercial", "retail", "industrial", "office"}},
	{TypeFarm, []string{"farm", "agricultural"}},
	{TypeMultifamily, []string{"multi family", "multifamily", "2 family", "3 family", "4 family", "plex"}},
	{TypeSingleFamily, []string{"single family", "singlefamily", "sfh", "detached", "house"}},
}

// PropertyType maps a provider property type string to a normalized type.
// Vague values such as "Residential" map to unknown.
func PropertyType(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	s = typeSepRe.ReplaceAllString(s, " ")
	if s == "" {
		return TypeUnknown
	}
	for _, rule := range typeRules {
		for _, kw := range rule.keywords {
			if strings.Contains(s, kw) {
				return rule.typ
			}
		}
	}
	return TypeUnknown
}

// TypeDropReason is the skip-reason key for a disallowed property type.
func TypeDropReason(typ string) string {
	return "norm_type::" + typ
}
