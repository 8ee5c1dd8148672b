package pelco

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/w1xm/ptz_rotator/config"
	"github.com/w1xm/ptz_rotator/rotator"
	"github.com/w1xm/ptz_rotator/transport"
)

const (
	// DefaultSpeed is the pan and tilt speed of manual moves.
	DefaultSpeed byte = 0x20

	flushReads   = 10
	flushTimeout = 50 * time.Millisecond
	readAttempts = 3
	readTimeout  = 500 * time.Millisecond
)

var (
	// ErrNoResponse means no valid reply arrived within the retry budget.
	// It is transient; the caller may simply try again later.
	ErrNoResponse      = errors.New("pelco: no valid response")
	ErrNegativeAzimuth = errors.New("pelco: negative azimuth")
	ErrOutOfRange      = errors.New("pelco: angle out of range")
)

// Device is a Pelco-D pan-tilt head used as an az/el rotator. It is not safe
// for concurrent use: the link is half duplex and callers must hold one
// exchange at a time.
type Device struct {
	t          transport.Transport
	address    byte
	correction config.AngleCorrection
	logf       func(format string, v ...interface{})
}

var _ rotator.Rotator = (*Device)(nil)

func New(t transport.Transport, address byte, correction config.AngleCorrection, logf func(format string, v ...interface{})) (*Device, error) {
	if correction.MinElevation > correction.MaxElevation {
		return nil, &config.Error{Field: "angle_correction", Msg: "min elevation above max elevation"}
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Device{t: t, address: address, correction: correction, logf: logf}, nil
}

func (d *Device) send(cmd1, cmd2, data1, data2 byte) error {
	return d.t.Send(Encode(d.address, cmd1, cmd2, data1, data2))
}

// query sends an extended query and returns the raw payload of the first
// valid reply.
func (d *Device) query(code byte) (uint16, error) {
	// Drop anything left over from earlier traffic so the next frame we read
	// belongs to this request.
	for i := 0; i < flushReads; i++ {
		stale, err := d.t.Recv(1024, flushTimeout)
		if err != nil || len(stale) == 0 {
			break
		}
	}
	frame := Encode(d.address, 0x00, code, 0x00, 0x00)
	if err := d.t.Send(frame); err != nil {
		return 0, fmt.Errorf("query %#x: %w", code, err)
	}
	for i := 0; i < readAttempts; i++ {
		resp, err := d.t.Recv(FrameLength, readTimeout)
		if err != nil {
			d.logf("reading reply to %#x: %v", code, err)
			continue
		}
		// Half-duplex adapters echo our own frame back.
		if len(resp) == 0 || bytes.Equal(resp, frame) {
			continue
		}
		p, err := Decode(resp)
		if err != nil {
			d.logf("discarding % x: %v", resp, err)
			continue
		}
		return p.Value(), nil
	}
	return 0, ErrNoResponse
}

// QueryAngle returns the corrected angle of an axis in degrees.
func (d *Device) QueryAngle(axis rotator.Axis) (float64, error) {
	code := QueryPan
	if axis == rotator.Elevation {
		code = QueryTilt
	}
	raw, err := d.query(code)
	if err != nil {
		return 0, err
	}
	return d.fromWire(float64(raw)/100, axis), nil
}

func (d *Device) absMinElevation() float64 {
	return math.Abs(d.correction.MinElevation)
}

// fromWire undoes toWire.
func (d *Device) fromWire(angle float64, axis rotator.Axis) float64 {
	if axis == rotator.Azimuth {
		return rotator.Wrap(angle + d.correction.AzimuthOffset + d.correction.InitialAzimuth)
	}
	el := rotator.Wrap(angle + d.absMinElevation())
	// Negative elevations come back as their wraparound.
	if el > d.correction.MaxElevation && el-360 >= d.correction.MinElevation {
		el -= 360
	}
	return el
}

// toWire maps a logical angle to the head's native 0-360 range.
func (d *Device) toWire(angle float64, axis rotator.Axis) (float64, error) {
	if axis == rotator.Azimuth {
		if angle < 0 {
			return 0, ErrNegativeAzimuth
		}
		if angle > 360 {
			angle = math.Mod(angle, 360)
		}
		return rotator.Wrap(angle - d.correction.AzimuthOffset - d.correction.InitialAzimuth), nil
	}
	absMin := d.absMinElevation()
	if angle >= absMin {
		return angle - absMin, nil
	}
	return 360 + d.correction.MinElevation + angle, nil
}

// SetAngle commands an absolute position. No acknowledgment is read.
func (d *Device) SetAngle(angle float64, axis rotator.Axis) error {
	wire, err := d.toWire(angle, axis)
	if err != nil {
		return err
	}
	value := math.Round(wire * 100)
	if value < 0 || value > math.MaxUint16 {
		return fmt.Errorf("%v %v: %w", axis, angle, ErrOutOfRange)
	}
	v := uint16(value)
	code := SetPan
	if axis == rotator.Elevation {
		code = SetTilt
	}
	return d.send(0x00, code, byte(v>>8), byte(v))
}

// Move starts a manual move at DefaultSpeed, or stops.
func (d *Device) Move(direction rotator.Direction) error {
	return d.MoveSpeed(direction, DefaultSpeed, DefaultSpeed)
}

func (d *Device) MoveSpeed(direction rotator.Direction, panSpeed, tiltSpeed byte) error {
	var code byte
	switch direction {
	case rotator.Stop:
		return d.send(0x00, MoveStop, 0x00, 0x00)
	case rotator.Right:
		code = MoveRight
	case rotator.Left:
		code = MoveLeft
	case rotator.Up:
		code = MoveUp
	case rotator.Down:
		code = MoveDown
	default:
		return fmt.Errorf("pelco: unknown direction %q", direction)
	}
	return d.send(0x00, code, panSpeed, tiltSpeed)
}
