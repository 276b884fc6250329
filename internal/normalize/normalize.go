// Package normalize maps provider-native records onto the canonical lead schema.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/leads-cli/internal/model"
)

// Field aliases across RentCast-style, RESO and county feed records.
var (
	lineKeys   = []string{"addressLine", "addressLine1", "address", "streetAddress", "street", "UnparsedAddress", "StreetAddress", "Address", "address.addressLine", "address.line", "address.line1", "Address.UnparsedAddress", "Address.StreetAddress"}
	unitKeys   = []string{"unit", "addressLine2", "UnitNumber", "address.unit", "address.line2"}
	cityKeys   = []string{"city", "City", "PostalCity", "address.city", "Address.City"}
	stateKeys  = []string{"stateCode", "state", "province", "StateOrProvince", "address.state", "address.stateCode", "Address.StateOrProvince"}
	zipKeys    = []string{"zipCode", "zipcode", "zip", "postalCode", "PostalCode", "ZipCode", "address.zip", "address.zipCode", "address.postalCode", "Address.PostalCode"}
	parcelKeys = []string{"parcelId", "parcel_id", "ParcelNumber", "apn", "APN", "assessorID"}
	priceKeys  = []string{"listPrice", "ListPrice", "price", "Price", "askingPrice", "openingBid"}
	bedKeys    = []string{"bedrooms", "beds", "BedroomsTotal"}
	bathKeys   = []string{"bathrooms", "baths", "BathroomsTotalDecimal", "BathroomsTotalInteger", "BathroomsTotal"}
	sqftKeys   = []string{"squareFootage", "squareFeet", "sqft", "LivingArea", "livingArea"}
	yearKeys   = []string{"yearBuilt", "YearBuilt", "year_built"}
	typeKeys   = []string{"propertyType", "property_type", "PropertyType", "PropertySubType"}
	statusKeys = []string{"status", "listingStatus", "StandardStatus", "MlsStatus"}
	listedKeys = []string{"listedDate", "listingDate", "ListingContractDate", "OnMarketDate"}
	rentKeys   = []string{"rentEstimate", "rent", "monthlyRent", "RentEstimate"}
	saleKeys   = []string{"lastSalePrice", "last_sale_price", "LastSalePrice"}
	latKeys    = []string{"latitude", "lat", "Latitude"}
	lonKeys    = []string{"longitude", "lon", "lng", "Longitude"}
	textKeys   = []string{"PublicRemarks", "description", "remarks"}
)

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02", "01/02/2006", "1/2/2006"}

// Normalizer converts RawRecords into NormalizedRecords. It is pure: the same
// input always yields the same output.
type Normalizer struct {
	allowed map[string]bool
}

// New creates a Normalizer. Records whose property type is known and not in
// allowedTypes are rejected; an empty list allows every type.
func New(allowedTypes []string) *Normalizer {
	n := &Normalizer{}
	if len(allowedTypes) > 0 {
		n.allowed = make(map[string]bool, len(allowedTypes))
		for _, t := range allowedTypes {
			n.allowed[t] = true
		}
	}
	return n
}

// DisallowedTypeError rejects a record by property type.
type DisallowedTypeError struct {
	Type string
}

func (e *DisallowedTypeError) Error() string {
	return fmt.Sprintf("normalize: property type %s not allowed", e.Type)
}

// SkipReason returns the drop-reason key for a Normalize error.
func SkipReason(err error) string {
	var dt *DisallowedTypeError
	if errors.As(err, &dt) {
		return TypeDropReason(dt.Type)
	}
	var ne *model.NormalizationError
	if errors.As(err, &ne) {
		return "invalid::" + ne.Field
	}
	return "invalid"
}

// Normalize maps rec onto the canonical schema. Failures are
// *model.NormalizationError or *DisallowedTypeError.
func (n *Normalizer) Normalize(rec model.RawRecord) (model.NormalizedRecord, error) {
	f := rec.Fields
	out := model.NormalizedRecord{
		Provider:  rec.Provider,
		SourceRef: rec.SourceRef,
		Region:    rec.Region,
		FetchedAt: rec.FetchedAt.UTC(),
	}

	line := text(f, lineKeys...)
	if line == "" {
		line = resoStreet(f)
	}
	line, unit := StreetLine(line, text(f, unitKeys...))
	if line == "" {
		return out, invalid("address_line", "missing")
	}
	city := City(text(f, cityKeys...))
	if city == "" {
		return out, invalid("city", "missing")
	}
	rawState := text(f, stateKeys...)
	state := State(rawState)
	if state == "" {
		if rawState == "" {
			return out, invalid("state", "missing")
		}
		return out, invalid("state", fmt.Sprintf("unrecognized state %q", rawState))
	}
	rawZip := text(f, zipKeys...)
	zip := Zip(rawZip)
	if zip == "" {
		if rawZip == "" {
			return out, invalid("zip", "missing")
		}
		return out, invalid("zip", fmt.Sprintf("malformed zip %q", rawZip))
	}
	out.Address = model.Address{Line: line, Unit: unit, City: city, State: state, Zip: zip}
	out.ParcelID = Parcel(text(f, parcelKeys...))

	var err error
	a := &out.Attributes
	if a.Price, err = money(f, "price", priceKeys); err != nil {
		return out, err
	}
	if a.Beds, err = integer(f, "beds", bedKeys); err != nil {
		return out, err
	}
	if a.Baths, err = number(f, "baths", bathKeys); err != nil {
		return out, err
	}
	if a.Sqft, err = integer(f, "sqft", sqftKeys); err != nil {
		return out, err
	}
	if a.YearBuilt, err = integer(f, "year_built", yearKeys); err != nil {
		return out, err
	}
	if a.ListingDate, err = date(f, "listing_date", listedKeys); err != nil {
		return out, err
	}
	if a.RentEstimate, err = money(f, "rent_estimate", rentKeys); err != nil {
		return out, err
	}
	if a.LastSalePrice, err = money(f, "last_sale_price", saleKeys); err != nil {
		return out, err
	}
	a.ListingStatus = status(text(f, statusKeys...))

	if raw := text(f, typeKeys...); raw != "" {
		a.PropertyType = PropertyType(raw)
		if n.allowed != nil && !n.allowed[a.PropertyType] {
			return out, &DisallowedTypeError{Type: a.PropertyType}
		}
	}

	if out.Location, err = location(f); err != nil {
		return out, err
	}
	out.RawText = text(f, textKeys...)
	return out, nil
}

// Parcel canonicalizes a parcel number to upper-case alphanumerics.
func Parcel(p string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'Z':
			return r
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		}
		return -1
	}, p)
}

// ParseMoney parses "$155,000", "155000.00" or "155k" style amounts.
func ParseMoney(s string) (float64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("$", "", ",", "", " ", "", "usd", "").Replace(s)
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1e3, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult, s = 1e6, strings.TrimSuffix(s, "m")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return v * mult, nil
}

func invalid(field, reason string) error {
	return &model.NormalizationError{Field: field, Reason: reason}
}

// text returns the first alias holding a scalar, rendered as a trimmed string.
func text(f map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := model.LookupField(f, k).(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

// resoStreet assembles a street line from RESO address components.
func resoStreet(f map[string]any) string {
	parts := []string{
		text(f, "StreetNumber"), text(f, "StreetDirPrefix"), text(f, "StreetName"),
		text(f, "StreetSuffix"), text(f, "StreetDirSuffix"),
	}
	if parts[0] == "" || parts[2] == "" {
		return ""
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

func money(f map[string]any, field string, keys []string) (*float64, error) {
	raw := text(f, keys...)
	if raw == "" {
		return nil, nil
	}
	v, err := ParseMoney(raw)
	if err != nil || v < 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return nil, invalid(field, fmt.Sprintf("unparseable amount %q", raw))
	}
	return &v, nil
}

func number(f map[string]any, field string, keys []string) (*float64, error) {
	raw := text(f, keys...)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, invalid(field, fmt.Sprintf("unparseable number %q", raw))
	}
	return &v, nil
}

func integer(f map[string]any, field string, keys []string) (*int, error) {
	v, err := number(f, field, keys)
	if err != nil || v == nil {
		return nil, err
	}
	n := int(math.Round(*v))
	return &n, nil
}

func date(f map[string]any, field string, keys []string) (*time.Time, error) {
	raw := text(f, keys...)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d, nil
		}
	}
	return nil, invalid(field, fmt.Sprintf("unparseable date %q", raw))
}

func status(raw string) string {
	s := strings.ToLower(typeSepRe.ReplaceAllString(strings.TrimSpace(raw), " "))
	switch {
	case s == "":
		return ""
	case strings.Contains(s, "pending"), strings.Contains(s, "under contract"), strings.Contains(s, "undercontract"):
		return "pending"
	case strings.Contains(s, "active"), s == "for sale", s == "new":
		return "active"
	case strings.Contains(s, "sold"), strings.Contains(s, "closed"):
		return "sold"
	case strings.Contains(s, "auction"):
		return "auction"
	case strings.Contains(s, "withdrawn"), strings.Contains(s, "expired"), strings.Contains(s, "cancel"), strings.Contains(s, "off market"):
		return "off_market"
	}
	return strings.ReplaceAll(s, " ", "_")
}

func location(f map[string]any) (*model.Location, error) {
	rawLat, rawLon := text(f, latKeys...), text(f, lonKeys...)
	if rawLat == "" || rawLon == "" {
		return nil, nil
	}
	lat, err1 := strconv.ParseFloat(rawLat, 64)
	lon, err2 := strconv.ParseFloat(rawLon, 64)
	if err1 != nil || err2 != nil || math.Abs(lat) > 90 || math.Abs(lon) > 180 {
		return nil, invalid("location", fmt.Sprintf("bad coordinates %q,%q", rawLat, rawLon))
	}
	if lat == 0 && lon == 0 {
		return nil, nil
	}
	return &model.Location{Lat: lat, Lon: lon}, nil
}
