package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineMeters_ZeroDistance(t *testing.T) {
	assert.Equal(t, 0.0, HaversineMeters(-33.45, -70.66, -33.45, -70.66))
}

func TestHaversineMeters_EquatorDegreeOfLongitude(t *testing.T) {
	// One degree of longitude on the equator is about 111.19 km on a
	// 6371 km sphere.
	d := HaversineMeters(0, 0, 0, 1)
	assert.InDelta(t, 111194.9, d, 1.0)
}

func TestHaversineMeters_GeofenceScale(t *testing.T) {
	// 0.0005 degrees east on the equator is roughly 56 m, the rejection
	// case used throughout the registration tests.
	d := HaversineMeters(0, 0, 0, 0.0005)
	assert.InDelta(t, 55.6, d, 0.2)

	// 0.0004 degrees is comfortably inside a 50 m radius.
	assert.Less(t, HaversineMeters(0, 0, 0, 0.0004), 50.0)
}

func TestHaversineMeters_Symmetry(t *testing.T) {
	a := HaversineMeters(-33.4489, -70.6693, -33.4510, -70.6700)
	b := HaversineMeters(-33.4510, -70.6700, -33.4489, -70.6693)
	assert.InDelta(t, a, b, 1e-9)
	assert.False(t, math.IsNaN(a))
}

func TestHaversineMeters_KnownCityPair(t *testing.T) {
	// Santiago to Valparaiso, about 97 km as the crow flies.
	d := HaversineMeters(-33.4489, -70.6693, -33.0472, -71.6127)
	assert.InDelta(t, 97000, d, 2500)
}
