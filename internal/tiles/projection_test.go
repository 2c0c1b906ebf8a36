package tiles

import (
	"math"
	"testing"
)

func TestDeg2Tile_KnownPoints(t *testing.T) {
	testCases := []struct {
		name     string
		lat, lon float64
		zoom     int
		x, y     float64
	}{
		{"origin at zoom 0", 0, 0, 0, 0.5, 0.5},
		{"origin at zoom 1", 0, 0, 1, 1, 1},
		{"date line west", 0, -180, 1, 0, 1},
		{"greenwich at zoom 2", 0, 0, 2, 2, 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			x, y := Deg2Tile(tc.lat, tc.lon, tc.zoom)
			if math.Abs(x-tc.x) > 1e-12 || math.Abs(y-tc.y) > 1e-12 {
				t.Errorf("Deg2Tile(%v, %v, %d) = (%v, %v), expected (%v, %v)",
					tc.lat, tc.lon, tc.zoom, x, y, tc.x, tc.y)
			}
		})
	}
}

func TestProjection_RoundTrip(t *testing.T) {
	testCases := []struct {
		name     string
		lat, lon float64
		zoom     int
	}{
		{"equator", 0, 0, 12},
		{"san francisco", 37.7749, -122.4194, 12},
		{"sydney", -33.8688, 151.2093, 19},
		{"near north clamp", 85.0, 179.9, 19},
		{"near south clamp", -85.0, -179.9, 3},
		{"low zoom", 52.52, 13.405, 1},
		{"max zoom", 52.52, 13.405, 19},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			x, y := Deg2Tile(tc.lat, tc.lon, tc.zoom)
			lat, lon := Tile2Deg(x, y, tc.zoom)

			if math.Abs(lat-tc.lat) > 1e-9 {
				t.Errorf("latitude round trip drifted: %v -> %v (delta %g)", tc.lat, lat, math.Abs(lat-tc.lat))
			}
			if math.Abs(lon-tc.lon) > 1e-9 {
				t.Errorf("longitude round trip drifted: %v -> %v (delta %g)", tc.lon, lon, math.Abs(lon-tc.lon))
			}
		})
	}
}
