package geomath

import (
	"math"

	"github.com/Rafael-2109/frete-sistema-sub020/internal/models"
	"github.com/pkg/errors"
)

// Mean Earth radius in meters.
const earthRadiusM = 6371000.0

func ValidLat(lat float64) bool { return lat >= -90 && lat <= 90 }
func ValidLon(lon float64) bool { return lon >= -180 && lon <= 180 }

func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || !ValidLat(lat) || !ValidLon(lon) {
		return errors.Wrapf(models.ErrInvalidCoordinates, "lat=%v lon=%v", lat, lon)
	}
	return nil
}

// DistanceM returns the great-circle (haversine) distance in meters.
// Out-of-range input is a domain error, not a clamp.
func DistanceM(lat1, lon1, lat2, lon2 float64) (float64, error) {
	if err := ValidateCoordinates(lat1, lon1); err != nil {
		return 0, err
	}
	if err := ValidateCoordinates(lat2, lon2); err != nil {
		return 0, err
	}

	dLat := (lat2 - lat1) * math.Pi / 180.0
	dLon := (lon2 - lon1) * math.Pi / 180.0
	rLat1 := lat1 * math.Pi / 180.0
	rLat2 := lat2 * math.Pi / 180.0

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c, nil
}
