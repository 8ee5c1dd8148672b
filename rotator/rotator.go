package rotator

import (
	"fmt"
	"math"
)

// Axis selects one of the two rotator axes.
type Axis int

const (
	Azimuth Axis = iota
	Elevation
)

func (a Axis) String() string {
	switch a {
	case Azimuth:
		return "azimuth"
	case Elevation:
		return "elevation"
	}
	return fmt.Sprintf("Axis(%d)", int(a))
}

// ParseAxis accepts the axis names used by the HTTP API.
func ParseAxis(s string) (Axis, error) {
	switch s {
	case "azimuth", "az":
		return Azimuth, nil
	case "elevation", "el":
		return Elevation, nil
	}
	return 0, fmt.Errorf("unknown axis %q", s)
}

// Direction is a manual jog direction.
type Direction string

const (
	Up    Direction = "up"
	Down  Direction = "down"
	Left  Direction = "left"
	Right Direction = "right"
	Stop  Direction = "stop"
)

// ParseDirection returns false for anything but the five jog directions.
func ParseDirection(s string) (Direction, bool) {
	switch d := Direction(s); d {
	case Up, Down, Left, Right, Stop:
		return d, true
	}
	return "", false
}

// StatusCallback receives the unwrapped azimuth and the elevation in degrees
// after every successful position query.
type StatusCallback func(trueAzimuth, elevation float64)

// Rotator is a positioner driven by the gateway. All methods perform a single
// exchange with the hardware; callers serialize access.
type Rotator interface {
	// QueryAngle returns the corrected position of an axis in degrees.
	QueryAngle(axis Axis) (float64, error)
	SetAngle(angle float64, axis Axis) error
	Move(direction Direction) error
}

// Wrap normalizes an angle into [0, 360).
func Wrap(angle float64) float64 {
	angle = math.Mod(angle, 360)
	if angle < 0 {
		angle += 360
	}
	// math.Mod keeps the sign of -0, and tiny negatives round up to 360.
	if angle >= 360 || angle == 0 {
		return 0
	}
	return angle
}
