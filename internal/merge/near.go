package merge

import (
	"math"
	"strings"

	"github.com/agext/levenshtein"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/leads-cli/internal/model"
)

const earthRadiusMeters = 6371008.8

// Similarity scores two canonical street lines in [0,1], 1 meaning identical.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return levenshtein.Similarity(a, b, nil)
}

// Point converts a location to an SRID 4326 point (X=lon, Y=lat).
func Point(l *model.Location) *geom.Point {
	if l == nil {
		return nil
	}
	return geom.NewPointFlat(geom.XY, []float64{l.Lon, l.Lat}).SetSRID(4326)
}

// DistanceMeters is the haversine distance between two lon/lat points.
func DistanceMeters(a, b *geom.Point) float64 {
	lat1, lat2 := a.Y()*math.Pi/180, b.Y()*math.Pi/180
	dLat := lat2 - lat1
	dLon := (b.X() - a.X()) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// nearMatch reports whether lead and rec describe the same property without
// sharing an identity key. Units must agree and parcels must not disagree.
// Lines match on similarity; coordinates within the cutoff match when the
// house numbers agree.
func (e *Engine) nearMatch(lead *model.CanonicalLead, rec model.NormalizedRecord) bool {
	if lead.Address.Unit != rec.Address.Unit {
		return false
	}
	if lead.ParcelID != "" && rec.ParcelID != "" && lead.ParcelID != rec.ParcelID {
		return false
	}
	if Similarity(lead.Address.Line, rec.Address.Line) >= e.cfg.SimilarityThreshold {
		return true
	}
	if e.cfg.GeoCutoffMeters <= 0 || lead.Location == nil || rec.Location == nil {
		return false
	}
	if houseNumber(lead.Address.Line) != houseNumber(rec.Address.Line) {
		return false
	}
	return DistanceMeters(Point(lead.Location), Point(rec.Location)) <= e.cfg.GeoCutoffMeters
}

func houseNumber(line string) string {
	if i := strings.IndexByte(line, ' '); i > 0 {
		return line[:i]
	}
	return line
}
