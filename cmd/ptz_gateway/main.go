// Command ptz_gateway lets GS-232B tracking software drive a Pelco-D
// pan-tilt head.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/w1xm/ptz_rotator/config"
	"github.com/w1xm/ptz_rotator/gateway"
	"github.com/w1xm/ptz_rotator/simulator"
	"github.com/w1xm/ptz_rotator/telemetry"
	"github.com/w1xm/ptz_rotator/transport"
	"golang.org/x/sync/errgroup"
)

var (
	listen     = flag.String("listen", "127.0.0.1:8502", "address for the HTTP control API")
	staticDir  = flag.String("static_dir", "", "directory containing static files")
	simulate   = flag.Bool("simulate", false, "drive a simulated pan-tilt head instead of the configured Pelco device")
	autoReturn = flag.Duration("auto_return", -1, "idle time before the head is parked; overrides PTZ_AUTO_RETURN_SECONDS, 0 disables")
	site       = flag.String("site", "", "site tag for recorded telemetry")
)

func main() {
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal(err)
	}
	if *autoReturn >= 0 {
		cfg.AutoReturnTimeout = *autoReturn
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	hub := NewHub()
	var server *Server
	var recorder *telemetry.Recorder
	if cfg.Influx.Server != "" {
		recorder = telemetry.New(cfg.Influx, map[string]string{"site": *site}, hub.Logf)
		defer recorder.Close()
	}

	opts := gateway.Options{
		Logf: hub.Logf,
		StatusCallback: func(trueAzimuth, elevation float64) {
			if server != nil {
				server.statusCallback(trueAzimuth, elevation)
			}
			if recorder != nil {
				recorder.Record(trueAzimuth, elevation)
			}
		},
	}
	if *simulate {
		// Stop closes the simulated link, so every open gets a fresh
		// simulator that starts where the last one left off.
		var sim *simulator.Simulator
		opts.Open = func(d config.Device, logf func(format string, v ...interface{})) (transport.Transport, error) {
			if d != cfg.Pelco {
				return transport.Open(d, logf)
			}
			next, conn := simulator.New()
			if sim != nil {
				next.SetPosition(sim.Position())
			}
			sim = next
			g.Go(func() error {
				if err := next.Run(ctx); err != nil && ctx.Err() == nil {
					logf("simulated head stopped: %v", err)
				}
				return nil
			})
			logf("using simulated pan-tilt head")
			return transport.NewConn(conn), nil
		}
	}

	gw, err := gateway.Connect(cfg, opts)
	if err != nil {
		log.Fatal(err)
	}
	server = NewServer(gw, hub)
	if err := gw.Start(); err != nil {
		log.Fatal(err)
	}

	srv := &http.Server{
		Handler:      server.Router(*staticDir),
		Addr:         *listen,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	g.Go(func() error {
		log.Printf("serving control API on %s", *listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Print("shutting down")
		gw.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}
