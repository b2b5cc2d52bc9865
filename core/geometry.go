package core

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/signalsfoundry/swarm-sync/model"
)

const (
	// MetersPerDegreeLat converts degrees of latitude to metres. The same
	// factor, scaled by cos(latitude), is used for longitude.
	MetersPerDegreeLat = 111139.0
	// DesiredDistance is the standoff a follower keeps from its leader (metres).
	DesiredDistance = 3.0
)

// CorrectionMode selects how a follower moves toward its standoff.
type CorrectionMode int

const (
	// CorrectionMixedUnits normalises the raw (deg, deg, m) delta and scales
	// it by the metric distance error. This is the fielded behaviour.
	CorrectionMixedUnits CorrectionMode = iota
	// CorrectionMetric performs the same step in a local east/north/up frame
	// in metres and converts the result back to degrees.
	CorrectionMetric
)

func (m CorrectionMode) String() string {
	switch m {
	case CorrectionMetric:
		return "metric"
	default:
		return "mixed-units"
	}
}

// ParseCorrectionMode accepts "mixed-units" (default when empty) or "metric".
func ParseCorrectionMode(s string) (CorrectionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mixed-units", "mixed":
		return CorrectionMixedUnits, nil
	case "metric":
		return CorrectionMetric, nil
	default:
		return CorrectionMixedUnits, fmt.Errorf("unknown correction mode %q", s)
	}
}

// Vec3 is a three-component vector. Depending on the caller the axes are
// either (deg, deg, m) or (east m, north m, up m).
type Vec3 struct {
	X, Y, Z float64
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Scale returns v * s.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

// Unit returns v divided by its norm. A zero vector has no direction and
// yields ErrDegenerateVector.
func (v Vec3) Unit() (Vec3, error) {
	n := v.Norm()
	if n == 0 {
		return Vec3{}, ErrDegenerateVector
	}
	return Vec3{X: v.X / n, Y: v.Y / n, Z: v.Z / n}, nil
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// metricOffset returns the east/north/up offset in metres from `from` to
// `to`, using an equirectangular approximation around from's latitude.
func metricOffset(from, to model.GeoPosition) Vec3 {
	return Vec3{
		X: (to.Longitude - from.Longitude) * MetersPerDegreeLat * math.Cos(radians(from.Latitude)),
		Y: (to.Latitude - from.Latitude) * MetersPerDegreeLat,
		Z: to.Altitude - from.Altitude,
	}
}

// Distance returns the approximate 3D distance in metres from `from` to
// `to`. It is an equirectangular small-area approximation evaluated at
// from's latitude, not a geodesic.
func Distance(from, to model.GeoPosition) float64 {
	return metricOffset(from, to).Norm()
}

// GreatCircleDistance combines the haversine surface distance with the
// altitude difference. It is reported for diagnostics only.
func GreatCircleDistance(from, to model.GeoPosition) float64 {
	surface := geo.DistanceHaversine(
		orb.Point{from.Longitude, from.Latitude},
		orb.Point{to.Longitude, to.Latitude},
	)
	alt := to.Altitude - from.Altitude
	return math.Sqrt(surface*surface + alt*alt)
}

// Correction is the outcome of one correction step.
type Correction struct {
	Position       model.GeoPosition
	DistanceBefore float64
	// Held is true when the follower already sits exactly at the standoff.
	Held bool
}

// Correct computes the follower's next position given the leader's reported
// position. It never mutates its inputs.
//
// Held is only reported when the distance equals standoff exactly, which
// float arithmetic rarely produces after a correction. Callers iterating
// toward the standoff must stop at their own tolerance.
func Correct(current, leader model.GeoPosition, standoff float64, mode CorrectionMode) (Correction, error) {
	distance := Distance(current, leader)
	if distance == standoff {
		return Correction{Position: current, DistanceBefore: distance, Held: true}, nil
	}
	adjustment := distance - standoff

	switch mode {
	case CorrectionMetric:
		unit, err := metricOffset(current, leader).Unit()
		if err != nil {
			return Correction{Position: current, DistanceBefore: distance}, err
		}
		step := unit.Scale(adjustment)
		next := current
		next.Latitude += step.Y / MetersPerDegreeLat
		// Longitude scale is undefined at the poles; the unit vector then has
		// no east component, so only guard the division.
		if cosLat := math.Cos(radians(current.Latitude)); cosLat != 0 {
			next.Longitude += step.X / (MetersPerDegreeLat * cosLat)
		}
		next.Altitude += step.Z
		return Correction{Position: next, DistanceBefore: distance}, nil

	default:
		raw := Vec3{
			X: leader.Latitude - current.Latitude,
			Y: leader.Longitude - current.Longitude,
			Z: leader.Altitude - current.Altitude,
		}
		unit, err := raw.Unit()
		if err != nil {
			return Correction{Position: current, DistanceBefore: distance}, err
		}
		step := unit.Scale(adjustment)
		return Correction{
			Position:       current.Add(step.X, step.Y, step.Z),
			DistanceBefore: distance,
		}, nil
	}
}
