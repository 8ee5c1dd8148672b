// Package gateway bridges a GS-232B tracking client to a Pelco-D pan-tilt
// head.
//
// A single loop goroutine reads commands from the GS-232 side and answers
// them. Every exchange with the head holds the exchange lock for that one
// exchange only; multi-step commands release it between steps so that
// position queries are never blocked for long.
package gateway

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/w1xm/ptz_rotator/config"
	"github.com/w1xm/ptz_rotator/gs232"
	"github.com/w1xm/ptz_rotator/pelco"
	"github.com/w1xm/ptz_rotator/rotator"
	"github.com/w1xm/ptz_rotator/tracker"
	"github.com/w1xm/ptz_rotator/transport"
)

// Timing holds the delays of the control loop and its commands.
type Timing struct {
	// Poll bounds each read from the tracking client, and so the rate of the
	// watchdog checks.
	Poll time.Duration
	// ManualHold is how long a jog keeps moving without being repeated.
	ManualHold time.Duration
	// AzimuthSettle and ElevationSettle are the pauses after the position
	// read and after the azimuth set of a move.
	AzimuthSettle   time.Duration
	ElevationSettle time.Duration
	// ReturnTick and ReturnTicks bound the wait at each auto-return waypoint.
	ReturnTick  time.Duration
	ReturnTicks int
	// RefreshDelay is the pause before the status refresh after SelectAngle.
	RefreshDelay time.Duration
	// StopTimeout bounds how long Stop waits for the workers.
	StopTimeout time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		Poll:            100 * time.Millisecond,
		ManualHold:      500 * time.Millisecond,
		AzimuthSettle:   150 * time.Millisecond,
		ElevationSettle: 100 * time.Millisecond,
		ReturnTick:      time.Second,
		ReturnTicks:     15,
		RefreshDelay:    200 * time.Millisecond,
		StopTimeout:     5 * time.Second,
	}
}

const recvSize = 1024

var errNotConnected = errors.New("pelco device not connected")

type Options struct {
	// Logf receives every transition, error and command. Defaults to
	// log.Printf.
	Logf func(format string, v ...interface{})
	// StatusCallback, if set, is called with the true azimuth and the
	// elevation after every successful position query.
	StatusCallback rotator.StatusCallback
	// Timing defaults to DefaultTiming.
	Timing *Timing
	// Open builds the transports in Connect. Defaults to transport.Open.
	Open func(d config.Device, logf func(format string, v ...interface{})) (transport.Transport, error)
}

// Status is a snapshot of the gateway state.
type Status struct {
	Running     bool              `json:"running"`
	Initialized bool              `json:"initialized"`
	TrueAzimuth float64           `json:"true_azimuth"`
	Limits      config.SoftLimits `json:"limits"`
	Returning   bool              `json:"returning"`
	ManualMove  bool              `json:"manual_move"`
	LastAction  time.Time         `json:"last_action"`
}

type Gateway struct {
	cfg      config.Config
	logf     func(format string, v ...interface{})
	onStatus rotator.StatusCallback
	timing   Timing
	open     func(d config.Device, logf func(format string, v ...interface{})) (transport.Transport, error)

	// connMu guards setting up and tearing down the transports.
	connMu    sync.Mutex
	gs232     transport.Transport
	pelcoLink transport.Transport
	closed    bool

	// exMu is held for every exchange with the head. It guards ptz and
	// tracker.
	exMu    sync.Mutex
	ptz     rotator.Rotator
	tracker *tracker.Tracker

	mu           sync.Mutex
	running      bool
	lastAction   time.Time
	manualExpire time.Time

	// returning is cleared to cancel a running auto-return.
	returning atomic.Bool
	// returnActive is set while the auto-return goroutine exists.
	returnActive atomic.Bool

	// done is closed when the loop of the current run exits.
	done    chan struct{}
	workers sync.WaitGroup

	// readErrors counts consecutive failed reads. Only the loop uses it.
	readErrors int
}

// New assembles a gateway from connected parts. pelcoLink is the transport
// under ptz; it is only used to close it on Stop and may be nil.
func New(cfg config.Config, gs transport.Transport, pelcoLink transport.Transport, ptz rotator.Rotator, opts Options) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		logf:      opts.Logf,
		onStatus:  opts.StatusCallback,
		timing:    DefaultTiming(),
		open:      opts.Open,
		gs232:     gs,
		pelcoLink: pelcoLink,
		ptz:       ptz,
		tracker:   tracker.New(0, cfg.Limits),
	}
	if g.logf == nil {
		g.logf = log.Printf
	}
	if opts.Timing != nil {
		g.timing = *opts.Timing
	}
	if g.open == nil {
		g.open = transport.Open
	}
	return g
}

// Connect validates cfg and opens both transports. Any failure is fatal.
func Connect(cfg config.Config, opts Options) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := New(cfg, nil, nil, nil, opts)
	if err := g.connect(); err != nil {
		g.logf("initialization failed: %v", err)
		return nil, err
	}
	g.logf("hardware initialized")
	return g, nil
}

func (g *Gateway) openDevice(name string, d config.Device) (transport.Transport, error) {
	t, err := g.open(d, g.logf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := t.Connect(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	g.logf("%s connection established", name)
	return t, nil
}

func (g *Gateway) connect() error {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return g.connectLocked()
}

// connectLocked replaces both transports and the head. It must be called
// with connMu held. On failure the gateway is left closed.
func (g *Gateway) connectLocked() error {
	g.closeTransports()

	gs, err := g.openDevice("gs232", g.cfg.GS232)
	if err != nil {
		return err
	}
	link, err := g.openDevice("pelco", g.cfg.Pelco)
	if err != nil {
		gs.Close()
		return err
	}
	dev, err := pelco.New(link, byte(g.cfg.PelcoAddress), g.cfg.Correction, g.logf)
	if err != nil {
		gs.Close()
		link.Close()
		return err
	}
	g.gs232, g.pelcoLink = gs, link
	g.closed = false
	g.exMu.Lock()
	g.ptz = dev
	g.exMu.Unlock()
	return nil
}

// closeTransports must be called with connMu held. Errors are only logged.
func (g *Gateway) closeTransports() {
	if g.closed {
		return
	}
	g.closed = true
	if g.gs232 != nil {
		if err := g.gs232.Close(); err != nil {
			g.logf("closing gs232: %v", err)
		}
		g.logf("gs232 connection closed")
	}
	if g.pelcoLink != nil {
		if err := g.pelcoLink.Close(); err != nil {
			g.logf("closing pelco: %v", err)
		}
		g.logf("pelco connection closed")
	}
}

// Start runs the control loop. A gateway stopped earlier reopens its
// transports first. Starting a running gateway does nothing.
func (g *Gateway) Start() error {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.Running() {
		return nil
	}
	if g.closed {
		if err := g.connectLocked(); err != nil {
			g.logf("restart failed: %v", err)
			return err
		}
		g.logf("hardware reinitialized")
	}
	done := make(chan struct{})
	g.mu.Lock()
	g.running = true
	g.lastAction = time.Now()
	g.done = done
	g.mu.Unlock()
	go g.run(done)
	g.logf("system started")
	return nil
}

// Stop halts any manual move, closes both transports and waits for the loop
// to exit. It is safe to call more than once.
func (g *Gateway) Stop() {
	g.connMu.Lock()
	g.mu.Lock()
	wasRunning := g.running
	g.running = false
	done := g.done
	jogging := !g.manualExpire.IsZero()
	g.manualExpire = time.Time{}
	g.mu.Unlock()
	g.returning.Store(false)
	if jogging {
		g.logf("stopping manual move before shutdown")
		if err := g.exchange(func(ptz rotator.Rotator, _ *tracker.Tracker) error {
			return ptz.Move(rotator.Stop)
		}); err != nil {
			g.logf("stopping manual move: %v", err)
		}
	}
	g.closeTransports()
	g.connMu.Unlock()

	if !wasRunning {
		return
	}
	finished := make(chan struct{})
	go func() {
		<-done
		g.workers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(g.timing.StopTimeout):
		g.logf("workers did not exit within %v", g.timing.StopTimeout)
	}
	g.logf("system stopped")
}

func (g *Gateway) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// exchange runs f with the exchange lock held.
func (g *Gateway) exchange(f func(ptz rotator.Rotator, tr *tracker.Tracker) error) error {
	g.exMu.Lock()
	defer g.exMu.Unlock()
	if g.ptz == nil {
		return errNotConnected
	}
	return f(g.ptz, g.tracker)
}

// markActivity resets the idle clock and cancels any auto-return.
func (g *Gateway) markActivity() {
	g.mu.Lock()
	g.lastAction = time.Now()
	g.mu.Unlock()
	if g.returning.Swap(false) {
		g.logf("auto-return cancelled by new command")
	}
}

// current reports whether the run owning done should keep looping. A loop
// left over from an earlier run exits even if the gateway was restarted.
func (g *Gateway) current(done chan struct{}) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running && g.done == done
}

func (g *Gateway) run(done chan struct{}) {
	defer close(done)
	g.readErrors = 0
	for g.current(done) {
		g.tick()
	}
	g.logf("control loop exited")
}

func (g *Gateway) tick() {
	defer func() {
		if r := recover(); r != nil {
			g.logf("processing error: %v", r)
		}
	}()
	data, err := g.gs232.Recv(recvSize, g.timing.Poll)
	switch {
	case err != nil:
		if g.Running() {
			// A dead peer fails every read; log the first one only.
			if g.readErrors == 0 {
				g.logf("reading gs232: %v", err)
			}
			g.readErrors++
			time.Sleep(g.timing.Poll)
		}
	default:
		if g.readErrors > 0 {
			g.logf("gs232 reads recovered after %d errors", g.readErrors)
			g.readErrors = 0
		}
		if len(data) > 0 {
			g.markActivity()
			g.handle(data)
		}
	}
	now := time.Now()
	g.checkManualMove(now)
	g.checkIdle(now)
}

func (g *Gateway) handle(data []byte) {
	for _, line := range gs232.Decode(data) {
		g.logf("received command %q", line)
		resp := g.dispatch(line)
		if resp == "" {
			continue
		}
		g.logf("replying %q", resp)
		if err := g.gs232.Send([]byte(resp)); err != nil {
			g.logf("writing gs232: %v", err)
		}
	}
}

// checkManualMove stops the head when a jog was not repeated in time.
func (g *Gateway) checkManualMove(now time.Time) {
	g.mu.Lock()
	expired := !g.manualExpire.IsZero() && now.After(g.manualExpire)
	if expired {
		g.manualExpire = time.Time{}
	}
	g.mu.Unlock()
	if !expired {
		return
	}
	g.logf("manual move not refreshed; stopping")
	if err := g.exchange(func(ptz rotator.Rotator, _ *tracker.Tracker) error {
		return ptz.Move(rotator.Stop)
	}); err != nil {
		g.logf("stopping manual move: %v", err)
	}
}

// checkIdle starts the auto-return once the gateway has been idle for the
// configured timeout. A zero timeout disables it.
func (g *Gateway) checkIdle(now time.Time) {
	timeout := g.cfg.AutoReturnTimeout
	if timeout <= 0 || g.returning.Load() || g.returnActive.Load() {
		return
	}
	g.mu.Lock()
	idle := now.Sub(g.lastAction)
	g.mu.Unlock()
	if idle <= timeout {
		return
	}
	if !g.returnActive.CompareAndSwap(false, true) {
		return
	}
	g.returning.Store(true)
	g.logf("idle for %v; starting auto-return", idle.Round(time.Second))
	g.workers.Add(1)
	go g.autoReturn()
}

// SetSoftLimits replaces the azimuth soft limits.
func (g *Gateway) SetSoftLimits(limits config.SoftLimits) error {
	g.exMu.Lock()
	defer g.exMu.Unlock()
	if err := g.tracker.SetLimits(limits); err != nil {
		return err
	}
	g.logf("soft limits set to [%v, %v]", limits.MinAz, limits.MaxAz)
	return nil
}

// CalibrateTurns corrects the true azimuth by whole revolutions after the
// head was turned by hand.
func (g *Gateway) CalibrateTurns(n int) {
	g.exMu.Lock()
	defer g.exMu.Unlock()
	g.tracker.CalibrateTurns(n)
	g.logf("calibrated %+d turns; true azimuth %.2f", n, g.tracker.TrueAzimuth())
}

// SetTrueAzimuth overrides the true azimuth.
func (g *Gateway) SetTrueAzimuth(angle float64) {
	g.exMu.Lock()
	defer g.exMu.Unlock()
	g.tracker.SetTrueAngle(angle)
	g.logf("true azimuth set to %.2f", angle)
}

func (g *Gateway) Status() Status {
	g.exMu.Lock()
	s := Status{
		Initialized: g.tracker.Initialized(),
		TrueAzimuth: g.tracker.TrueAzimuth(),
		Limits:      g.tracker.Limits(),
	}
	g.exMu.Unlock()
	g.mu.Lock()
	s.Running = g.running
	s.ManualMove = !g.manualExpire.IsZero()
	s.LastAction = g.lastAction
	g.mu.Unlock()
	s.Returning = g.returning.Load()
	return s
}
