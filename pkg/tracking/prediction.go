// Package tracking extrapolates aircraft positions between feed updates.
package tracking

import (
	"math"
	"time"

	"github.com/unklstewy/livetraffic/pkg/coordinates"
)

// Fix is the last known kinematic state of an aircraft.
type Fix struct {
	Position coordinates.Geographic

	// AltitudeFt is pressure altitude in feet
	AltitudeFt float64

	// GroundSpeed in knots
	GroundSpeed float64

	// Track is the ground track in degrees (0-359), 0 = North
	Track float64

	// VerticalRate in feet per minute (positive = climbing)
	VerticalRate float64

	// OnGround aircraft are never extrapolated
	OnGround bool

	// Time is the source timestamp of the fix
	Time time.Time
}

// PredictedPosition represents an aircraft's predicted position.
type PredictedPosition struct {
	// Position is the predicted geographic location
	Position coordinates.Geographic

	// AltitudeFt is the predicted altitude in feet
	AltitudeFt float64

	// PredictionTime is when this prediction is valid
	PredictionTime time.Time

	// Confidence is a measure of prediction reliability (0-1)
	// Lower confidence for longer predictions
	Confidence float64
}

// PredictPosition predicts where an aircraft will be at predictionTime
// assuming it holds its current speed, track and vertical rate.
//
// Assumptions:
// - Aircraft maintains current speed and heading (reasonable for short predictions)
// - Vertical rate remains constant
// - No wind correction
func PredictPosition(fix Fix, predictionTime time.Time) PredictedPosition {
	deltaT := predictionTime.Sub(fix.Time).Seconds()

	// For negative deltas, return the fix itself
	if deltaT <= 0 {
		return PredictedPosition{
			Position:       fix.Position,
			AltitudeFt:     fix.AltitudeFt,
			PredictionTime: predictionTime,
			Confidence:     1.0,
		}
	}

	// 1.0 at 0s, 0.5 at 30s, 0.0 at 60s+
	confidence := math.Max(0.0, 1.0-deltaT/60.0)

	// 1 knot = 1 nautical mile per hour
	distanceNM := fix.GroundSpeed * deltaT / 3600.0
	pos := coordinates.Destination(fix.Position, fix.Track, distanceNM)

	newAltitudeFt := fix.AltitudeFt + fix.VerticalRate*(deltaT/60.0)
	if newAltitudeFt < 0 {
		newAltitudeFt = 0
		confidence *= 0.5
	}

	return PredictedPosition{
		Position:       pos,
		AltitudeFt:     newAltitudeFt,
		PredictionTime: predictionTime,
		Confidence:     confidence,
	}
}

// Extrapolate dead-reckons an airborne fix to now. It reports false, and
// leaves the fix untouched, when the aircraft is on the ground, is not
// moving, or the fix is older than maxAge; such targets are shown at
// their last reported position.
func Extrapolate(fix Fix, now time.Time, maxAge time.Duration) (PredictedPosition, bool) {
	age := now.Sub(fix.Time)
	if fix.OnGround || fix.GroundSpeed <= 0 || age < 0 || age >= maxAge {
		return PredictedPosition{
			Position:       fix.Position,
			AltitudeFt:     fix.AltitudeFt,
			PredictionTime: fix.Time,
			Confidence:     1.0,
		}, false
	}
	return PredictPosition(fix, now), true
}
