package geocode

import "context"

type Result struct {
	Lat         float64
	Lon         float64
	DisplayName string
}

// Client resolves a free-text address to coordinates. Implementations
// return models.ErrNotFound for a definitive miss and
// models.ErrProviderUnavailable for transport/quota failures.
type Client interface {
	Resolve(ctx context.Context, address, countryHint string) (Result, error)
}
