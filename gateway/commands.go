package gateway

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/w1xm/ptz_rotator/gs232"
	"github.com/w1xm/ptz_rotator/rotator"
	"github.com/w1xm/ptz_rotator/tracker"
)

// Process handles one command line from a local caller as if it came from
// the tracking client, and returns the reply.
func (g *Gateway) Process(line string) string {
	g.markActivity()
	return g.dispatch(strings.TrimSpace(line))
}

// Jog starts or refreshes a manual move. The head stops on its own unless
// Jog is repeated within the manual hold time.
func (g *Gateway) Jog(direction string) {
	g.markActivity()
	g.jog(direction)
}

func (g *Gateway) dispatch(line string) string {
	cmd := gs232.Parse(line)
	switch cmd.Kind {
	case gs232.Jog:
		g.jog(cmd.Body)
		return ""
	case gs232.QueryMove:
		g.logf("move then query: %q", cmd.Body)
		if g.angleControl(cmd.Body) != gs232.ACK {
			return ""
		}
		return g.angleQuery()
	case gs232.Query:
		return g.angleQuery()
	case gs232.Move:
		return g.angleControl(cmd.Body)
	case gs232.Stop:
		g.stopAll()
		return ""
	case gs232.SetPos:
		return g.setPos(cmd.Body)
	}
	g.logf("ignoring unknown command %q", line)
	return ""
}

func (g *Gateway) jog(body string) {
	dir, ok := rotator.ParseDirection(body)
	if !ok {
		g.logf("unknown jog direction %q", body)
		return
	}
	err := g.exchange(func(ptz rotator.Rotator, _ *tracker.Tracker) error {
		return ptz.Move(dir)
	})
	g.mu.Lock()
	if dir == rotator.Stop || err != nil {
		g.manualExpire = time.Time{}
	} else {
		g.manualExpire = time.Now().Add(g.timing.ManualHold)
	}
	g.mu.Unlock()
	if err != nil {
		g.logf("jog %s: %v", dir, err)
	}
}

func (g *Gateway) stopAll() {
	g.mu.Lock()
	g.manualExpire = time.Time{}
	g.mu.Unlock()
	g.returning.Store(false)
	g.logf("stop requested")
	if err := g.exchange(func(ptz rotator.Rotator, _ *tracker.Tracker) error {
		return ptz.Move(rotator.Stop)
	}); err != nil {
		g.logf("stop: %v", err)
	}
}

func (g *Gateway) setPos(body string) string {
	az, el, err := gs232.ParseAngles(body)
	if err != nil {
		g.logf("set_pos: %v", err)
		return ""
	}
	if el < 0 {
		return ""
	}
	g.logf("tracking feed position: azimuth %v elevation %v", az, el)
	return g.angleControl(fmt.Sprintf("%d %d", int(math.Round(az)), int(math.Round(el))))
}

// planMove reads the current azimuth, feeds the tracker and plans the move
// to az. The head is never moved without a fresh reading.
func (g *Gateway) planMove(az float64) (tracker.Plan, error) {
	var plan tracker.Plan
	err := g.exchange(func(ptz rotator.Rotator, tr *tracker.Tracker) error {
		raw, err := ptz.QueryAngle(rotator.Azimuth)
		if err != nil {
			return err
		}
		tr.Update(raw)
		plan = tr.Plan(az)
		return nil
	})
	return plan, err
}

func (g *Gateway) setAngle(angle float64, axis rotator.Axis) error {
	return g.exchange(func(ptz rotator.Rotator, _ *tracker.Tracker) error {
		return ptz.SetAngle(angle, axis)
	})
}

// angleControl executes "<az> <el>" in three exchanges: read and plan, set
// azimuth, set elevation.
func (g *Gateway) angleControl(body string) string {
	az, el, err := gs232.ParseAngles(body)
	if err != nil {
		g.logf("move command: %v", err)
		return ""
	}
	plan, err := g.planMove(az)
	if err != nil {
		g.logf("move to %v: reading azimuth: %v; not moving", az, err)
		return ""
	}
	if !plan.Safe {
		limits := g.Status().Limits
		g.logf("rejecting move to %v: head would stop at true azimuth %.1f, limits [%v, %v]", az, plan.TargetTrue, limits.MinAz, limits.MaxAz)
		return gs232.Reject
	}
	g.logf("moving %s %.1f degrees to true azimuth %.1f, elevation %v", plan.Direction, plan.Distance, plan.TargetTrue, el)
	time.Sleep(g.timing.AzimuthSettle)

	if err := g.setAngle(rotator.Wrap(az), rotator.Azimuth); err != nil {
		g.logf("setting azimuth %v: %v", az, err)
		return ""
	}
	time.Sleep(g.timing.ElevationSettle)

	if err := g.setAngle(el, rotator.Elevation); err != nil {
		g.logf("azimuth set but setting elevation %v failed: %v", el, err)
		return ""
	}
	return gs232.ACK
}

type position struct {
	az, el, trueAz float64
}

// query reads both axes and feeds the tracker. The status callback runs
// after the exchange lock is released.
func (g *Gateway) query() (position, error) {
	var p position
	err := g.exchange(func(ptz rotator.Rotator, tr *tracker.Tracker) error {
		az, err := ptz.QueryAngle(rotator.Azimuth)
		if err != nil {
			return fmt.Errorf("azimuth: %w", err)
		}
		el, err := ptz.QueryAngle(rotator.Elevation)
		if err != nil {
			return fmt.Errorf("elevation: %w", err)
		}
		tr.Update(az)
		p = position{az: az, el: el, trueAz: tr.TrueAzimuth()}
		return nil
	})
	if err != nil {
		return p, err
	}
	if g.onStatus != nil {
		g.onStatus(p.trueAz, p.el)
	}
	return p, nil
}

func (g *Gateway) angleQuery() string {
	p, err := g.query()
	if err != nil {
		g.logf("position query: %v", err)
		return ""
	}
	g.logf("azimuth %.2f (true %.2f) elevation %.2f", p.az, p.trueAz, p.el)
	return gs232.FormatPosition(p.az, p.el)
}

// SelectAngle moves one axis without blocking the caller. Azimuth moves are
// checked against the soft limits and followed by a status refresh.
func (g *Gateway) SelectAngle(angle float64, axis rotator.Axis) {
	if !g.Running() {
		g.logf("select %v %v: system not running", axis, angle)
		return
	}
	g.markActivity()
	g.workers.Add(1)
	go func() {
		defer g.workers.Done()
		g.selectAngle(angle, axis)
	}()
}

func (g *Gateway) selectAngle(angle float64, axis rotator.Axis) {
	g.logf("selecting %v %v", axis, angle)
	if axis == rotator.Azimuth {
		plan, err := g.planMove(angle)
		if err != nil {
			g.logf("select azimuth %v: reading azimuth: %v", angle, err)
			return
		}
		if !plan.Safe {
			g.logf("rejecting azimuth %v: head would stop at true azimuth %.1f", angle, plan.TargetTrue)
			return
		}
		angle = rotator.Wrap(angle)
	}
	if err := g.setAngle(angle, axis); err != nil {
		g.logf("select %v %v: %v", axis, angle, err)
		return
	}
	if axis != rotator.Azimuth {
		return
	}
	time.Sleep(g.timing.RefreshDelay)
	if _, err := g.query(); err != nil {
		g.logf("status refresh: %v", err)
	}
}

// Auto-return parameters.
const (
	returnStep       = 120
	returnSteps      = 3
	parkElevation    = 80
	arrivalTolerance = 1.0
)

var errUnsafeWaypoint = errors.New("waypoint outside soft limits")

// autoReturn unwinds the head one full turn counterclockwise in three steps
// and parks the elevation. Clearing g.returning cancels it within one tick.
func (g *Gateway) autoReturn() {
	defer func() {
		g.returning.Store(false)
		g.mu.Lock()
		g.lastAction = time.Now()
		g.mu.Unlock()
		g.returnActive.Store(false)
		g.workers.Done()
	}()

	var start float64
	if err := g.exchange(func(ptz rotator.Rotator, tr *tracker.Tracker) error {
		az, err := ptz.QueryAngle(rotator.Azimuth)
		if err != nil {
			return err
		}
		tr.Update(az)
		start = az
		return nil
	}); err != nil {
		g.logf("auto-return: reading azimuth: %v", err)
		return
	}

	for i := 1; i <= returnSteps; i++ {
		if !g.returning.Load() {
			return
		}
		waypoint := rotator.Wrap(start - float64(i*returnStep))
		err := g.exchange(func(ptz rotator.Rotator, tr *tracker.Tracker) error {
			if plan := tr.Plan(waypoint); !plan.Safe {
				return fmt.Errorf("%w: true azimuth %.1f", errUnsafeWaypoint, plan.TargetTrue)
			}
			return ptz.SetAngle(waypoint, rotator.Azimuth)
		})
		if err != nil {
			g.logf("auto-return: waypoint %d azimuth %.1f: %v", i, waypoint, err)
			return
		}
		g.logf("auto-return: waypoint %d/%d azimuth %.1f", i, returnSteps, waypoint)
		if !g.waitArrival(waypoint) {
			return
		}
	}

	if err := g.setAngle(parkElevation, rotator.Elevation); err != nil {
		g.logf("auto-return: parking elevation: %v", err)
		return
	}
	g.logf("auto-return complete")
}

// waitArrival waits up to ReturnTicks ticks for the head to reach waypoint,
// refreshing the tracker each tick. It returns false if cancelled.
func (g *Gateway) waitArrival(waypoint float64) bool {
	for i := 0; i < g.timing.ReturnTicks; i++ {
		time.Sleep(g.timing.ReturnTick)
		if !g.returning.Load() {
			return false
		}
		p, err := g.query()
		if err != nil {
			continue
		}
		d := rotator.Wrap(p.az - waypoint)
		if math.Min(d, 360-d) <= arrivalTolerance {
			return true
		}
	}
	return true
}
