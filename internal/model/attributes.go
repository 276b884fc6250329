package model

import (
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// Attribute keys used for observations and conflict resolution.
const (
	AttrPrice         = "price"
	AttrBeds          = "beds"
	AttrBaths         = "baths"
	AttrSqft          = "sqft"
	AttrYearBuilt     = "year_built"
	AttrPropertyType  = "property_type"
	AttrListingStatus = "listing_status"
	AttrListingDate   = "listing_date"
	AttrRentEstimate  = "rent_estimate"
	AttrLastSalePrice = "last_sale_price"
	AttrLocation      = "location"
)

const dateLayout = "2006-01-02"

// Attributes is the best-known property attribute set. Nil means unknown.
type Attributes struct {
	Price         *float64   `json:"price,omitempty"`
	Beds          *int       `json:"beds,omitempty"`
	Baths         *float64   `json:"baths,omitempty"`
	Sqft          *int       `json:"sqft,omitempty"`
	YearBuilt     *int       `json:"year_built,omitempty"`
	PropertyType  string     `json:"property_type,omitempty"`
	ListingStatus string     `json:"listing_status,omitempty"`
	ListingDate   *time.Time `json:"listing_date,omitempty"`
	RentEstimate  *float64   `json:"rent_estimate,omitempty"`
	LastSalePrice *float64   `json:"last_sale_price,omitempty"`
}

// Fields encodes every known attribute as a canonical string keyed by attribute name.
func (a Attributes) Fields() map[string]string {
	out := make(map[string]string)
	putFloat(out, AttrPrice, a.Price)
	putInt(out, AttrBeds, a.Beds)
	putFloat(out, AttrBaths, a.Baths)
	putInt(out, AttrSqft, a.Sqft)
	putInt(out, AttrYearBuilt, a.YearBuilt)
	if a.PropertyType != "" {
		out[AttrPropertyType] = a.PropertyType
	}
	if a.ListingStatus != "" {
		out[AttrListingStatus] = a.ListingStatus
	}
	if a.ListingDate != nil {
		out[AttrListingDate] = a.ListingDate.UTC().Format(dateLayout)
	}
	putFloat(out, AttrRentEstimate, a.RentEstimate)
	putFloat(out, AttrLastSalePrice, a.LastSalePrice)
	return out
}

// Set decodes a canonical string into the named attribute.
func (a *Attributes) Set(key, value string) error {
	switch key {
	case AttrPrice:
		return setFloat(&a.Price, key, value)
	case AttrBeds:
		return setInt(&a.Beds, key, value)
	case AttrBaths:
		return setFloat(&a.Baths, key, value)
	case AttrSqft:
		return setInt(&a.Sqft, key, value)
	case AttrYearBuilt:
		return setInt(&a.YearBuilt, key, value)
	case AttrPropertyType:
		a.PropertyType = value
	case AttrListingStatus:
		a.ListingStatus = value
	case AttrListingDate:
		t, err := time.Parse(dateLayout, value)
		if err != nil {
			return eris.Wrapf(err, "model: attribute %s", key)
		}
		a.ListingDate = &t
	case AttrRentEstimate:
		return setFloat(&a.RentEstimate, key, value)
	case AttrLastSalePrice:
		return setFloat(&a.LastSalePrice, key, value)
	default:
		return eris.Errorf("model: unknown attribute %q", key)
	}
	return nil
}

// AttributesFromFields rebuilds an Attributes value from canonical strings.
func AttributesFromFields(fields map[string]string) (Attributes, error) {
	var a Attributes
	for k, v := range fields {
		if k == AttrLocation {
			continue
		}
		if err := a.Set(k, v); err != nil {
			return Attributes{}, err
		}
	}
	return a, nil
}

// FormatLocation encodes a location as an observation value.
func FormatLocation(l Location) string {
	return strconv.FormatFloat(l.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(l.Lon, 'f', 6, 64)
}

// ParseLocation decodes a value produced by FormatLocation.
func ParseLocation(s string) (Location, error) {
	for i := 0; i < len(s); i++ {
		if s[i] != ',' {
			continue
		}
		lat, err := strconv.ParseFloat(s[:i], 64)
		if err != nil {
			return Location{}, eris.Wrap(err, "model: parse latitude")
		}
		lon, err := strconv.ParseFloat(s[i+1:], 64)
		if err != nil {
			return Location{}, eris.Wrap(err, "model: parse longitude")
		}
		return Location{Lat: lat, Lon: lon}, nil
	}
	return Location{}, eris.Errorf("model: malformed location %q", s)
}

func putFloat(m map[string]string, key string, v *float64) {
	if v != nil {
		m[key] = strconv.FormatFloat(*v, 'f', -1, 64)
	}
}

func putInt(m map[string]string, key string, v *int) {
	if v != nil {
		m[key] = strconv.Itoa(*v)
	}
}

func setFloat(dst **float64, key, value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return eris.Wrapf(err, "model: attribute %s", key)
	}
	*dst = &f
	return nil
}

func setInt(dst **int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return eris.Wrapf(err, "model: attribute %s", key)
	}
	*dst = &n
	return nil
}
