package location

import (
	"fmt"
	"math"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

const earthRadiusKM = 6371.0088

// DistanceKM is the great-circle (haversine) distance between two points.
func DistanceKM(a, b domain.GeoPoint) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	aa := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	c := 2 * math.Atan2(math.Sqrt(aa), math.Sqrt(1-aa))
	return earthRadiusKM * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

func validateQuery(position domain.GeoPoint, radiusKM float64) error {
	if err := position.Validate(); err != nil {
		return err
	}
	if radiusKM <= 0 || math.IsNaN(radiusKM) || math.IsInf(radiusKM, 0) {
		return fmt.Errorf("%w: radius must be positive", domain.ErrInvalidArgument)
	}
	return nil
}
