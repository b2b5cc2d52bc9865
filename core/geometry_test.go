package core

import (
	"errors"
	"math"
	"testing"

	"github.com/signalsfoundry/swarm-sync/model"
)

var followerStart = model.GeoPosition{Latitude: 28.7040, Longitude: 77.1024, Altitude: 100}

func TestDistanceMatchesEquirectangularFormula(t *testing.T) {
	got := Distance(followerStart, leaderStart)

	latM := (leaderStart.Latitude - followerStart.Latitude) * 111139
	lonM := (leaderStart.Longitude - followerStart.Longitude) * 111139 * math.Cos(followerStart.Latitude*math.Pi/180)
	want := math.Sqrt(latM*latM + lonM*lonM)

	if got != want {
		t.Fatalf("Distance = %.12f, want %.12f", got, want)
	}
	if math.Abs(got-14.783269192987836) > 1e-9 {
		t.Fatalf("Distance = %.12f, want ~14.7833", got)
	}
}

func TestDistanceUsesFromLatitude(t *testing.T) {
	a := model.GeoPosition{Latitude: 0, Longitude: 0}
	b := model.GeoPosition{Latitude: 60, Longitude: 1}

	// cos(0) vs cos(60deg) scale the longitude term differently.
	if Distance(a, b) == Distance(b, a) {
		t.Fatalf("distance should be evaluated at the first argument's latitude")
	}
}

func TestDistanceIncludesAltitude(t *testing.T) {
	a := model.GeoPosition{Latitude: 10, Longitude: 10, Altitude: 0}
	b := model.GeoPosition{Latitude: 10, Longitude: 10, Altitude: 4}
	if got := Distance(a, b); got != 4 {
		t.Fatalf("Distance = %v, want 4", got)
	}
}

func TestGreatCircleDistanceCloseToApproximation(t *testing.T) {
	approx := Distance(followerStart, leaderStart)
	gc := GreatCircleDistance(followerStart, leaderStart)
	if math.Abs(gc-approx) > 0.2 {
		t.Fatalf("great circle %.4f and equirectangular %.4f differ by more than 0.2 m", gc, approx)
	}
}

func TestCorrectHeldAtExactStandoff(t *testing.T) {
	leader := model.GeoPosition{Latitude: 10, Longitude: 20, Altitude: 103}
	follower := model.GeoPosition{Latitude: 10, Longitude: 20, Altitude: 100}

	for _, mode := range []CorrectionMode{CorrectionMixedUnits, CorrectionMetric} {
		corr, err := Correct(follower, leader, DesiredDistance, mode)
		if err != nil {
			t.Fatalf("%s: Correct: %v", mode, err)
		}
		if !corr.Held || corr.Position != follower {
			t.Fatalf("%s: expected held at standoff, got %+v", mode, corr)
		}
	}
}

func TestCorrectMixedUnitsFollowsRawUnitVector(t *testing.T) {
	corr, err := Correct(followerStart, leaderStart, DesiredDistance, CorrectionMixedUnits)
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}

	dLat := leaderStart.Latitude - followerStart.Latitude
	dLon := leaderStart.Longitude - followerStart.Longitude
	dAlt := leaderStart.Altitude - followerStart.Altitude
	norm := math.Sqrt(dLat*dLat + dLon*dLon + dAlt*dAlt)
	adj := Distance(followerStart, leaderStart) - DesiredDistance

	want := model.GeoPosition{
		Latitude:  followerStart.Latitude + dLat/norm*adj,
		Longitude: followerStart.Longitude + dLon/norm*adj,
		Altitude:  followerStart.Altitude + dAlt/norm*adj,
	}
	if corr.Position != want {
		t.Fatalf("Correct position = %+v, want %+v", corr.Position, want)
	}
	if corr.Held {
		t.Fatalf("should not be held")
	}
}

// With degree-scale horizontal deltas the mixed-unit step is applied in
// degrees, so a ~12 m error moves the follower by ~8 degrees.
func TestCorrectMixedUnitsOvershootsHorizontally(t *testing.T) {
	corr, err := Correct(followerStart, leaderStart, DesiredDistance, CorrectionMixedUnits)
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}
	if after := Distance(corr.Position, leaderStart); after < 1000 {
		t.Fatalf("expected large overshoot, distance after = %.2f m", after)
	}
}

func TestCorrectMixedUnitsConvergesOnVerticalAxis(t *testing.T) {
	leader := model.GeoPosition{Latitude: 5, Longitude: 5, Altitude: 120}
	follower := model.GeoPosition{Latitude: 5, Longitude: 5, Altitude: 100}

	corr, err := Correct(follower, leader, DesiredDistance, CorrectionMixedUnits)
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}
	if corr.Position.Altitude != 117 {
		t.Fatalf("altitude = %v, want 117", corr.Position.Altitude)
	}
	if d := Distance(corr.Position, leader); d != DesiredDistance {
		t.Fatalf("distance after = %v, want %v", d, DesiredDistance)
	}
}

func TestCorrectMetricConvergesMonotonically(t *testing.T) {
	starts := []model.GeoPosition{
		followerStart,
		{Latitude: 28.7042, Longitude: 77.1026, Altitude: 100},
		{Latitude: 28.7041, Longitude: 77.1025, Altitude: 101}, // closer than standoff
		{Latitude: 28.6, Longitude: 77.0, Altitude: 50},
		{Latitude: -45.0001, Longitude: 170, Altitude: 10},
	}
	leaders := []model.GeoPosition{leaderStart, leaderStart, leaderStart, leaderStart, {Latitude: -45, Longitude: 170.0001, Altitude: 12}}

	for i, pos := range starts {
		leader := leaders[i]
		before := math.Abs(Distance(pos, leader) - DesiredDistance)

		corr, err := Correct(pos, leader, DesiredDistance, CorrectionMetric)
		if err != nil {
			t.Fatalf("start %d: Correct: %v", i, err)
		}
		after := math.Abs(Distance(corr.Position, leader) - DesiredDistance)
		if after >= before {
			t.Fatalf("start %d: error did not shrink: before %.6f after %.6f", i, before, after)
		}

		// Repeating the step halts within a handful of iterations.
		const eps = 1e-6
		cur := corr.Position
		steps := 1
		for ; steps < 50; steps++ {
			if math.Abs(Distance(cur, leader)-DesiredDistance) < eps {
				break
			}
			next, err := Correct(cur, leader, DesiredDistance, CorrectionMetric)
			if err != nil {
				t.Fatalf("start %d step %d: %v", i, steps, err)
			}
			if next.Held {
				break
			}
			cur = next.Position
		}
		if steps == 50 {
			t.Fatalf("start %d: did not converge, final distance %.9f", i, Distance(cur, leader))
		}
	}
}

func TestCorrectDegenerateVector(t *testing.T) {
	for _, mode := range []CorrectionMode{CorrectionMixedUnits, CorrectionMetric} {
		corr, err := Correct(leaderStart, leaderStart, DesiredDistance, mode)
		if !errors.Is(err, ErrDegenerateVector) {
			t.Fatalf("%s: err = %v, want ErrDegenerateVector", mode, err)
		}
		if corr.Position != leaderStart {
			t.Fatalf("%s: position changed on degenerate input: %+v", mode, corr.Position)
		}
		if math.IsNaN(corr.Position.Latitude) {
			t.Fatalf("%s: NaN leaked into position", mode)
		}
	}
}

func TestVec3Unit(t *testing.T) {
	u, err := Vec3{X: 3, Y: 0, Z: 4}.Unit()
	if err != nil {
		t.Fatalf("Unit: %v", err)
	}
	if u != (Vec3{X: 0.6, Y: 0, Z: 0.8}) {
		t.Fatalf("Unit = %+v", u)
	}
	if _, err := (Vec3{}).Unit(); !errors.Is(err, ErrDegenerateVector) {
		t.Fatalf("zero vector err = %v", err)
	}
}

func TestParseCorrectionMode(t *testing.T) {
	if m, err := ParseCorrectionMode(""); err != nil || m != CorrectionMixedUnits {
		t.Fatalf("empty mode = %v, %v", m, err)
	}
	if m, err := ParseCorrectionMode("Metric"); err != nil || m != CorrectionMetric {
		t.Fatalf("metric mode = %v, %v", m, err)
	}
	if _, err := ParseCorrectionMode("geodesic"); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}

func TestCorrectLoopStopsAtCallerTolerance(t *testing.T) {
	const tolerance = 1e-7
	pos := followerStart
	for i := 0; i < 50; i++ {
		corr, err := Correct(pos, leaderStart, DesiredDistance, CorrectionMetric)
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if corr.Held || math.Abs(Distance(corr.Position, leaderStart)-DesiredDistance) < tolerance {
			return
		}
		pos = corr.Position
	}
	t.Fatalf("metric correction did not reach %v m tolerance in 50 iterations", tolerance)
}
