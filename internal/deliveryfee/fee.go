// Package deliveryfee computes the delivery surcharge from distance and an
// optional reference point, a named landmark with an included distance and a
// base cost.
package deliveryfee

import (
	"errors"
	"math"
)

// RatePerKm is the surcharge per kilometre beyond any included distance.
const RatePerKm = 4

var ErrNegativeDistance = errors.New("distance must be non-negative")

type ReferencePoint struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	DefaultDistanceKm float64 `json:"default_distance_km"`
	BaseCost          int64   `json:"base_cost"`
}

// Compute returns the fee in whole currency units, never negative. With a
// reference point the included distance is free and only the excess is
// charged on top of the base cost.
func Compute(distanceKm float64, ref *ReferencePoint) (int64, error) {
	if distanceKm < 0 {
		return 0, ErrNegativeDistance
	}

	var fee float64
	if ref != nil {
		excess := math.Max(0, distanceKm-ref.DefaultDistanceKm)
		fee = float64(ref.BaseCost) + excess*RatePerKm
	} else {
		fee = math.Round(distanceKm) * RatePerKm
	}

	rounded := int64(math.Round(fee))
	if rounded < 0 {
		return 0, nil
	}
	return rounded, nil
}
