package geomath

import (
	"testing"

	"github.com/Rafael-2109/frete-sistema-sub020/internal/models"
	"github.com/stretchr/testify/require"
)

func TestDistanceM_ZeroAndSymmetry(t *testing.T) {
	d, err := DistanceM(55.75, 37.61, 55.75, 37.61)
	require.NoError(t, err)
	require.Equal(t, 0.0, d)

	ab, err := DistanceM(55.75, 37.61, 59.93, 30.33)
	require.NoError(t, err)
	ba, err := DistanceM(59.93, 30.33, 55.75, 37.61)
	require.NoError(t, err)
	require.InDelta(t, ab, ba, 1e-9)
	require.Greater(t, ab, 0.0)
}

func TestDistanceM_KnownDistance(t *testing.T) {
	// Москва -> Санкт-Петербург, примерно 634 км по прямой.
	d, err := DistanceM(55.7558, 37.6173, 59.9311, 30.3609)
	require.NoError(t, err)
	require.InDelta(t, 634000, d, 5000)
}

func TestDistanceM_SmallDistance(t *testing.T) {
	// ~111.32m per 0.001 degree of latitude.
	d, err := DistanceM(0, 0, 0.001, 0)
	require.NoError(t, err)
	require.InDelta(t, 111.2, d, 1.0)
}

func TestDistanceM_RejectsOutOfRange(t *testing.T) {
	cases := [][4]float64{
		{91, 0, 0, 0},
		{-91, 0, 0, 0},
		{0, 181, 0, 0},
		{0, -181, 0, 0},
		{0, 0, 90.0001, 0},
		{0, 0, 0, 180.5},
	}
	for _, c := range cases {
		_, err := DistanceM(c[0], c[1], c[2], c[3])
		require.ErrorIs(t, err, models.ErrInvalidCoordinates)
	}
}

func TestValidateCoordinates_Bounds(t *testing.T) {
	require.NoError(t, ValidateCoordinates(90, 180))
	require.NoError(t, ValidateCoordinates(-90, -180))
	require.ErrorIs(t, ValidateCoordinates(90.1, 0), models.ErrInvalidCoordinates)
}
