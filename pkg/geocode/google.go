package geocode

import (
	"context"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

const googleGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"

type googleResponse struct {
	Status  string `json:"status"`
	Results []struct {
		FormattedAddress string `json:"formatted_address"`
		Geometry         struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
			LocationType string `json:"location_type"`
		} `json:"geometry"`
	} `json:"results"`
}

// geocodeGoogle looks up one address with the Google Geocoding API.
// Any status other than OK is treated as no match.
func (c *Client) geocodeGoogle(ctx context.Context, addr AddressInput) (*Result, error) {
	if c.googleKey == "" {
		return nil, eris.New("geocode: google api key not configured")
	}
	q := url.Values{
		"address": {formatOneLine(addr)},
		"key":     {c.googleKey},
	}
	var body googleResponse
	if err := c.getJSON(ctx, SourceGoogle, googleGeocodeURL+"?"+q.Encode(), &body); err != nil {
		return nil, err
	}

	if body.Status != "OK" || len(body.Results) == 0 {
		return &Result{Source: SourceGoogle}, nil
	}
	r := body.Results[0]
	return &Result{
		Latitude:       r.Geometry.Location.Lat,
		Longitude:      r.Geometry.Location.Lng,
		MatchedAddress: r.FormattedAddress,
		Source:         SourceGoogle,
		Quality:        googleQuality(r.Geometry.LocationType),
		Matched:        true,
	}, nil
}

func googleQuality(locType string) Quality {
	switch strings.ToUpper(locType) {
	case "ROOFTOP":
		return QualityRooftop
	case "RANGE_INTERPOLATED":
		return QualityRange
	case "GEOMETRIC_CENTER":
		return QualityCentroid
	default:
		return QualityApproximate
	}
}
