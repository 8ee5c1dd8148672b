// Package tracker turns wrapped 0-360 azimuth readings into a continuous
// "true" azimuth so moves beyond one revolution can be limit-checked.
//
// The unwrap assumes the head travels at most 180 degrees between two
// consecutive readings. Faster travel, or readings spaced too far apart,
// makes the wrap direction ambiguous and the true azimuth will be off by a
// whole turn; CalibrateTurns repairs that.
package tracker

import (
	"fmt"
	"math"

	"github.com/w1xm/ptz_rotator/config"
	"github.com/w1xm/ptz_rotator/rotator"
)

// antipodeTolerance is how close to 180 degrees a move must be to use the
// deterministic tie-break.
const antipodeTolerance = 0.1

// Plan is a planned azimuth move.
type Plan struct {
	TargetTrue float64
	Direction  rotator.Direction
	Distance   float64
	// Safe reports whether TargetTrue is within the soft limits.
	Safe bool
}

// Tracker is not safe for concurrent use.
type Tracker struct {
	offset float64
	limits config.SoftLimits

	initialized bool
	currentTrue float64
	lastRaw     float64
}

func New(offset float64, limits config.SoftLimits) *Tracker {
	return &Tracker{offset: offset, limits: limits}
}

// Update feeds one raw azimuth reading.
func (t *Tracker) Update(rawAz float64) {
	corrected := rotator.Wrap(rawAz + t.offset)
	if !t.initialized {
		t.currentTrue = corrected
		t.lastRaw = corrected
		t.initialized = true
		return
	}
	diff := corrected - t.lastRaw
	if diff > 180 {
		diff -= 360
	} else if diff <= -180 {
		diff += 360
	}
	t.currentTrue += diff
	t.lastRaw = corrected
}

// Plan computes the shortest move to the requested azimuth. The head is
// always sent the compass heading Wrap(target) and takes the shorter way
// round to it, so a request outside [0, 360] is only safe when that move
// ends on the requested true azimuth.
func (t *Tracker) Plan(target float64) Plan {
	currentNorm := rotator.Wrap(t.currentTrue)
	targetNorm := rotator.Wrap(target)
	diff := rotator.Wrap(targetNorm - currentNorm)

	var p Plan
	switch {
	case math.Abs(diff-180) <= antipodeTolerance:
		p.Distance = 180
		p.Direction = rotator.Left
		if targetNorm > currentNorm {
			p.Direction = rotator.Right
		}
	case diff < 180:
		p.Direction = rotator.Right
		p.Distance = diff
	default:
		p.Direction = rotator.Left
		p.Distance = 360 - diff
	}
	p.TargetTrue = t.currentTrue + p.Distance
	if p.Direction == rotator.Left {
		p.TargetTrue = t.currentTrue - p.Distance
	}
	p.Safe = t.safe(p.TargetTrue)
	if target < 0 || target > 360 {
		p.Safe = p.Safe && math.Abs(target-p.TargetTrue) <= antipodeTolerance
	}
	return p
}

func (t *Tracker) safe(az float64) bool {
	return t.limits.MinAz <= az && az <= t.limits.MaxAz
}

// CalibrateTurns shifts the true azimuth by whole revolutions.
func (t *Tracker) CalibrateTurns(n int) {
	t.currentTrue += float64(n) * 360
}

// SetTrueAngle overrides the true azimuth.
func (t *Tracker) SetTrueAngle(angle float64) {
	t.currentTrue = angle
}

func (t *Tracker) SetLimits(limits config.SoftLimits) error {
	if limits.MinAz > limits.MaxAz {
		return &config.Error{Field: "limits", Msg: fmt.Sprintf("min azimuth %v above max azimuth %v", limits.MinAz, limits.MaxAz)}
	}
	t.limits = limits
	return nil
}

func (t *Tracker) Limits() config.SoftLimits {
	return t.limits
}

func (t *Tracker) TrueAzimuth() float64 {
	return t.currentTrue
}

func (t *Tracker) Initialized() bool {
	return t.initialized
}
