package proximity

import (
	"sort"

	"github.com/Rafael-2109/frete-sistema-sub020/internal/geomath"
	"github.com/Rafael-2109/frete-sistema-sub020/internal/models"
)

// Candidate is one stop within the proximity radius, closest first.
type Candidate struct {
	Stop      *models.DeliveryStop
	DistanceM float64
}

// Detect computes distances from the current position to every open stop
// with known coordinates and returns the ones within radiusM, ranked
// ascending. Urban multi-drop routes often have several stops in range, so
// the caller gets the full ranked set, not a boolean. An empty result is
// the normal "far from everything" outcome. Стопы без координат просто
// пропускаем — это не ошибка.
func Detect(lat, lon float64, stops []*models.DeliveryStop, radiusM float64) ([]Candidate, error) {
	if err := geomath.ValidateCoordinates(lat, lon); err != nil {
		return nil, err
	}

	var near []Candidate
	for _, d := range stops {
		if d.Status.Terminal() || !d.Geocoded() {
			continue
		}
		dist, err := geomath.DistanceM(lat, lon, *d.Lat, *d.Lon)
		if err != nil {
			// Координаты стопа пришли из геокодера и валидны по построению.
			return nil, err
		}
		if dist <= radiusM {
			near = append(near, Candidate{Stop: d, DistanceM: dist})
		}
	}

	sort.Slice(near, func(i, j int) bool { return near[i].DistanceM < near[j].DistanceM })
	return near, nil
}

// NearestM returns the distance to the closest open stop regardless of the
// radius, for the tracker's nearest-ever bookkeeping. ok is false when no
// stop is measurable.
func NearestM(lat, lon float64, stops []*models.DeliveryStop) (float64, bool) {
	best := 0.0
	ok := false
	for _, d := range stops {
		if d.Status.Terminal() || !d.Geocoded() {
			continue
		}
		dist, err := geomath.DistanceM(lat, lon, *d.Lat, *d.Lon)
		if err != nil {
			continue
		}
		if !ok || dist < best {
			best = dist
			ok = true
		}
	}
	return best, ok
}
