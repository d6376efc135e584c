package models

import "github.com/pkg/errors"

// Domain sentinels. Infrastructure errors are wrapped with pkg/errors and
// never collapse into these; callers match with errors.Is.
var (
	ErrAlreadyTracked        = errors.New("shipment is already tracked")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	ErrAlreadyConsented      = errors.New("consent already recorded")
	ErrNotActive             = errors.New("shipment is not active")
	ErrTooFarToConfirm       = errors.New("too far from stop to confirm")
	ErrShipmentNotFound      = errors.New("shipment tracker not found")
	ErrStopClosed            = errors.New("delivery stop already closed")
	ErrRateLimited           = errors.New("ping rate limit exceeded")
	ErrStopNotFound          = errors.New("delivery stop not found")
	ErrInvalidCoordinates    = errors.New("coordinates out of range")
	ErrValidation            = errors.New("validation failed")

	// Geocoding: NotFound is a definitive answer, ProviderUnavailable is
	// retryable. Никогда не смешивать: "адреса нет" != "провайдер лёг".
	ErrNotFound            = errors.New("address not found")
	ErrProviderUnavailable = errors.New("geocoding provider unavailable")
)
