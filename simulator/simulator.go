// Package simulator emulates a Pelco-D pan-tilt head so the gateway can run
// without hardware.
package simulator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"sync"
	"time"

	"github.com/w1xm/ptz_rotator/pelco"
	"golang.org/x/sync/errgroup"
)

type mode int

const (
	idle mode = iota
	position
	velocity
)

type axis struct {
	mode   mode
	pos    float64
	vel    float64
	target float64
	cmdVel float64
}

type Simulator struct {
	conn net.Conn
	out  chan []byte

	// Echo makes the simulator repeat every frame it receives, like a
	// half-duplex RS-485 adapter. Set it before Run.
	Echo bool

	mu        sync.Mutex
	pan, tilt axis
}

func New() (*Simulator, net.Conn) {
	a, b := net.Pipe()
	return &Simulator{conn: a, out: make(chan []byte, 16)}, b
}

const (
	// Maximum acceleration in degrees/second^2
	maxAccel = 60
	// Maximum velocity in degrees/second
	maxVel = 30
	minVel = 0.1
	// Pelco-D speeds run from 0 to 0x3F.
	maxSpeed = 0x3F
	// Discrete simulation step size
	stepSize = 25 * time.Millisecond
	// Position moves closer than this snap to the target. It must exceed
	// the distance at which posServo asks for less than minVel.
	snap = 0.1
)

func (s *Simulator) Run(ctx context.Context) error {
	t := time.NewTicker(stepSize)
	defer t.Stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.conn.Close()
		return ctx.Err()
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			s.step()
		}
	})
	g.Go(func() error {
		for {
			var frame []byte
			select {
			case <-ctx.Done():
				return ctx.Err()
			case frame = <-s.out:
			}
			if _, err := s.conn.Write(frame); err != nil {
				return fmt.Errorf("writing port: %w", err)
			}
		}
	})
	g.Go(s.reader)
	return g.Wait()
}

func (s *Simulator) reader() error {
	r := bufio.NewReader(s.conn)
	frame := make([]byte, pelco.FrameLength)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("reading port: %w", err)
		}
		if b != pelco.StartByte {
			continue
		}
		frame[0] = b
		if _, err := io.ReadFull(r, frame[1:]); err != nil {
			return fmt.Errorf("reading port: %w", err)
		}
		p, err := pelco.Decode(frame)
		if err != nil {
			log.Printf("sim: discarding % x: %v", frame, err)
			continue
		}
		if s.Echo {
			s.send(append([]byte(nil), frame...))
		}
		s.handle(p)
	}
}

// send queues a frame for the writer. Frames are dropped if nobody reads.
func (s *Simulator) send(frame []byte) {
	select {
	case s.out <- frame:
	default:
		log.Printf("sim: output full, dropping % x", frame)
	}
}

func (s *Simulator) handle(p pelco.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch p.Cmd2 {
	case pelco.QueryPan:
		s.reply(p.Address, pelco.PanResponse, s.pan.pos)
	case pelco.QueryTilt:
		s.reply(p.Address, pelco.TiltResponse, s.tilt.pos)
	case pelco.SetPan:
		s.pan.mode, s.pan.target = position, float64(p.Value())/100
	case pelco.SetTilt:
		s.tilt.mode, s.tilt.target = position, float64(p.Value())/100
	default:
		if p.Cmd2&0x01 != 0 {
			log.Printf("sim: unsupported command %#x", p.Cmd2)
			return
		}
		s.pan.drive(p.Cmd2&pelco.MoveRight != 0, p.Cmd2&pelco.MoveLeft != 0, p.Data1)
		s.tilt.drive(p.Cmd2&pelco.MoveUp != 0, p.Cmd2&pelco.MoveDown != 0, p.Data2)
	}
}

func (a *axis) drive(plus, minus bool, speed byte) {
	if plus == minus {
		a.mode, a.cmdVel = idle, 0
		return
	}
	a.mode = velocity
	a.cmdVel = maxVel * float64(speed) / maxSpeed
	if minus {
		a.cmdVel = -a.cmdVel
	}
}

func (s *Simulator) reply(address, code byte, angle float64) {
	v := uint16(math.Round(angle*100)) % 36000
	s.send(pelco.Encode(address, 0x00, code, byte(v>>8), byte(v)))
}

// posServo returns a target velocity for the given move
func posServo(s, t float64) float64 {
	move := math.Remainder(t-s, 360)
	delta := 2 * math.Abs(move)
	if delta > maxVel {
		delta = maxVel
	}
	if move < 0 {
		delta = -delta
	}
	return delta
}

// velServo returns an actual velocity for the given current and target velocity
func velServo(s, t float64) float64 {
	delta := math.Abs(t - s)
	if delta > maxAccel*stepSize.Seconds() {
		delta = maxAccel * stepSize.Seconds()
	}
	if t < s {
		delta = -delta
	}
	new := s + delta
	if math.Abs(new) < minVel {
		return 0
	}
	return math.Max(-maxVel, math.Min(maxVel, new))
}

func (a *axis) step() {
	switch a.mode {
	case position:
		if math.Abs(math.Remainder(a.target-a.pos, 360)) < snap {
			a.pos, a.vel, a.mode = a.target, 0, idle
			return
		}
		a.vel = velServo(a.vel, posServo(a.pos, a.target))
	case velocity:
		a.vel = velServo(a.vel, a.cmdVel)
	default:
		// Pelco heads brake hard.
		a.vel = 0
	}
	a.pos = math.Mod(a.pos+a.vel*stepSize.Seconds()+360, 360)
}

func (s *Simulator) step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pan.step()
	s.tilt.step()
}

// Position returns the pan and tilt in the head's native degrees.
func (s *Simulator) Position() (pan, tilt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pan.pos, s.tilt.pos
}

// SetPosition teleports the head and stops it.
func (s *Simulator) SetPosition(pan, tilt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pan = axis{pos: math.Mod(pan+360, 360)}
	s.tilt = axis{pos: math.Mod(tilt+360, 360)}
}

// Moving reports whether either axis is in motion.
func (s *Simulator) Moving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pan.vel != 0 || s.tilt.vel != 0 || s.pan.mode == position || s.tilt.mode == position
}
