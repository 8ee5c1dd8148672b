package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/ptz_rotator/config"
	"github.com/w1xm/ptz_rotator/gs232"
	"github.com/w1xm/ptz_rotator/pelco"
	"github.com/w1xm/ptz_rotator/simulator"
	"github.com/w1xm/ptz_rotator/transport"
)

func TestSimulatedHead(t *testing.T) {
	if testing.Short() {
		t.Skip("drives the simulated head for several seconds")
	}
	sim, conn := simulator.New()
	ctx, cancel := context.WithCancel(context.Background())
	simDone := make(chan struct{})
	go func() {
		defer close(simDone)
		sim.Run(ctx)
	}()
	defer func() {
		cancel()
		<-simDone
	}()

	cfg := config.Default()
	logs := &logRecorder{}
	link := transport.NewConn(conn)
	dev, err := pelco.New(link, byte(cfg.PelcoAddress), cfg.Correction, logs.logf)
	require.NoError(t, err)

	client := newFakeClient()
	timing := DefaultTiming()
	timing.Poll = 10 * time.Millisecond
	g := New(cfg, client, link, dev, Options{Logf: logs.logf, Timing: &timing})
	g.Start()
	defer g.Stop()

	client.in <- []byte("W90 45\r")
	require.Eventually(t, func() bool { return len(client.replies()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, gs232.ACK, client.replies()[0])

	require.Eventually(t, func() bool {
		pan, tilt := sim.Position()
		return pan == 90 && tilt == 45
	}, 15*time.Second, 50*time.Millisecond)

	client.in <- []byte("C2\r")
	require.Eventually(t, func() bool { return len(client.replies()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "AZ=090 EL=045\r\n", client.replies()[1])
	assert.InDelta(t, 90, g.Status().TrueAzimuth, 1e-9)
}
