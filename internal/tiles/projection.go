package tiles

import "math"

// Deg2Tile converts a latitude/longitude pair in degrees to fractional
// Web Mercator tile coordinates at the given zoom level.
func Deg2Tile(latDeg, lonDeg float64, zoom int) (x, y float64) {
	latRad := latDeg * math.Pi / 180.0
	n := math.Exp2(float64(zoom))
	x = (lonDeg + 180.0) / 360.0 * n
	y = (1.0 - math.Asinh(math.Tan(latRad))/math.Pi) / 2.0 * n
	return x, y
}

// Tile2Deg converts fractional tile coordinates at the given zoom level back
// to latitude/longitude in degrees. It is the exact inverse of Deg2Tile up to
// floating-point precision.
func Tile2Deg(x, y float64, zoom int) (latDeg, lonDeg float64) {
	n := math.Exp2(float64(zoom))
	lonDeg = x/n*360.0 - 180.0
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*y/n)))
	latDeg = latRad * 180.0 / math.Pi
	return latDeg, lonDeg
}
