// Package geo answers "which known monitoring points sit within a radius
// of this coordinate", nearest first. Distances use the haversine formula
// on a spherical earth; no ellipsoid correction.
package geo

import (
	"math"
	"sort"
)

const earthRadiusMeters = 6371000.0

// Point is the minimal shape the index needs from a stored record.
type Point struct {
	ID  int64
	Lat float64
	Lon float64
}

// Candidate is a point within query radius, annotated with its distance.
type Candidate struct {
	ID        int64
	Lat       float64
	Lon       float64
	DistanceM float64
}

// HaversineMeters returns the great-circle distance between two WGS84
// coordinates in meters.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := degToRad(lat2 - lat1)
	dLon := degToRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(degToRad(lat1))*math.Cos(degToRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

func degToRad(deg float64) float64 {
	return deg * math.Pi / 180
}

func validCoord(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Nearby returns every point within radiusM meters of (lat, lon), nearest
// first. The boundary is inclusive: distance == radiusM qualifies. Ties
// keep the input order. Points with unusable coordinates are skipped
// rather than failing the query.
func Nearby(points []Point, lat, lon, radiusM float64) []Candidate {
	out := make([]Candidate, 0, 4)
	for _, p := range points {
		if !validCoord(p.Lat, p.Lon) {
			continue
		}
		d := HaversineMeters(lat, lon, p.Lat, p.Lon)
		if d <= radiusM {
			out = append(out, Candidate{ID: p.ID, Lat: p.Lat, Lon: p.Lon, DistanceM: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DistanceM < out[j].DistanceM
	})
	return out
}
