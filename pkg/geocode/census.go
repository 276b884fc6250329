package geocode

import (
	"context"
	"net/url"
)

const (
	censusOneLineURL = "https://geocoding.geo.census.gov/geocoder/locations/onelineaddress"
	censusBenchmark  = "Public_AR_Current"
)

type censusResponse struct {
	Result struct {
		AddressMatches []struct {
			Coordinates struct {
				X float64 `json:"x"`
				Y float64 `json:"y"`
			} `json:"coordinates"`
			MatchedAddress string `json:"matchedAddress"`
		} `json:"addressMatches"`
	} `json:"result"`
}

// geocodeCensus looks up one address with the Census one-line API. The
// first match wins; Census only returns exact street matches.
func (c *Client) geocodeCensus(ctx context.Context, addr AddressInput) (*Result, error) {
	q := url.Values{
		"address":   {formatOneLine(addr)},
		"benchmark": {censusBenchmark},
		"format":    {"json"},
	}
	var body censusResponse
	if err := c.getJSON(ctx, SourceCensus, censusOneLineURL+"?"+q.Encode(), &body); err != nil {
		return nil, err
	}

	matches := body.Result.AddressMatches
	if len(matches) == 0 {
		return &Result{Source: SourceCensus}, nil
	}
	m := matches[0]
	return &Result{
		Latitude:       m.Coordinates.Y,
		Longitude:      m.Coordinates.X,
		MatchedAddress: m.MatchedAddress,
		Source:         SourceCensus,
		Quality:        QualityRooftop,
		Matched:        true,
	}, nil
}
