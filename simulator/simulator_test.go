package simulator

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/ptz_rotator/config"
	"github.com/w1xm/ptz_rotator/pelco"
	"github.com/w1xm/ptz_rotator/rotator"
	"github.com/w1xm/ptz_rotator/transport"
)

func startSim(t *testing.T, echo bool) (*Simulator, *pelco.Device) {
	t.Helper()
	s, conn := New()
	s.Echo = echo
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	link := transport.NewConn(conn)
	t.Cleanup(func() {
		cancel()
		link.Close()
		<-done
	})
	dev, err := pelco.New(link, pelco.DefaultAddress, config.AngleCorrection{MinElevation: 0, MaxElevation: 90}, t.Logf)
	if err != nil {
		t.Fatal(err)
	}
	return s, dev
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestQuery(t *testing.T) {
	for _, echo := range []bool{false, true} {
		s, dev := startSim(t, echo)
		s.SetPosition(123.45, 30)
		az, err := dev.QueryAngle(rotator.Azimuth)
		if err != nil {
			t.Fatalf("echo=%v: QueryAngle(azimuth): %v", echo, err)
		}
		el, err := dev.QueryAngle(rotator.Elevation)
		if err != nil {
			t.Fatalf("echo=%v: QueryAngle(elevation): %v", echo, err)
		}
		if diff := cmp.Diff([]float64{az, el}, []float64{123.45, 30}); diff != "" {
			t.Errorf("echo=%v: unexpected position: got(-)/want(+):\n%s", echo, diff)
		}
	}
}

func TestSetAngle(t *testing.T) {
	s, dev := startSim(t, false)
	s.SetPosition(350, 0)
	if err := dev.SetAngle(10, rotator.Azimuth); err != nil {
		t.Fatal(err)
	}
	if err := dev.SetAngle(20, rotator.Elevation); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "head to reach 10, 20", func() bool {
		pan, tilt := s.Position()
		return pan == 10 && tilt == 20 && !s.Moving()
	})
}

func TestMove(t *testing.T) {
	s, dev := startSim(t, false)
	s.SetPosition(100, 10)
	if err := dev.Move(rotator.Right); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pan to increase", func() bool {
		pan, _ := s.Position()
		return pan > 101
	})
	if err := dev.Move(rotator.Stop); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "head to stop", func() bool { return !s.Moving() })
	if _, tilt := s.Position(); tilt != 10 {
		t.Errorf("tilt moved to %v during a pan", tilt)
	}
}

func TestServo(t *testing.T) {
	if got := posServo(350, 10); got != 30 {
		t.Errorf("posServo(350, 10) = %v, want 30 (shortest way, clamped)", got)
	}
	if got := posServo(10, 9.5); got != -1 {
		t.Errorf("posServo(10, 9.5) = %v, want -1", got)
	}
	if got := velServo(0, 30); math.Abs(got-maxAccel*stepSize.Seconds()) > 1e-9 {
		t.Errorf("velServo(0, 30) = %v, want one step of acceleration", got)
	}
	if got := velServo(0.05, 0); got != 0 {
		t.Errorf("velServo(0.05, 0) = %v, want 0", got)
	}
}
