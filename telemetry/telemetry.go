// Package telemetry records rotator positions to InfluxDB.
package telemetry

import (
	"log"
	"math"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api/write"
	"github.com/w1xm/ptz_rotator/config"
	"github.com/w1xm/ptz_rotator/rotator"
)

const measurement = "rotator.status"

// DefaultInterval is the minimum spacing between recorded points.
const DefaultInterval = time.Second

type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

type Recorder struct {
	w        pointWriter
	close    func()
	tags     map[string]string
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// New connects to the server in cfg. Writes are asynchronous; failures are
// passed to logf.
func New(cfg config.Influx, tags map[string]string, logf func(format string, v ...interface{})) *Recorder {
	if logf == nil {
		logf = log.Printf
	}
	client := influxdb2.NewClient(cfg.Server, cfg.Token)
	writeApi := client.WriteApi(cfg.Org, cfg.Bucket)
	errorsCh := writeApi.Errors()
	go func() {
		for err := range errorsCh {
			logf("influx write error: %v", err)
		}
	}()
	r := newRecorder(writeApi, tags)
	r.close = func() {
		writeApi.Close()
		client.Close()
	}
	return r
}

func newRecorder(w pointWriter, tags map[string]string) *Recorder {
	return &Recorder{w: w, tags: tags, interval: DefaultInterval}
}

// Record writes one position, dropping it if the previous point was less
// than the interval ago. Its signature matches rotator.StatusCallback.
func (r *Recorder) Record(trueAzimuth, elevation float64) {
	r.RecordAt(time.Now(), trueAzimuth, elevation)
}

func (r *Recorder) RecordAt(t time.Time, trueAzimuth, elevation float64) {
	r.mu.Lock()
	if !r.last.IsZero() && t.Sub(r.last) < r.interval {
		r.mu.Unlock()
		return
	}
	r.last = t
	r.mu.Unlock()
	r.w.WritePoint(influxdb2.NewPoint(measurement, r.tags, statusFields(trueAzimuth, elevation), t))
}

func statusFields(trueAzimuth, elevation float64) map[string]interface{} {
	return map[string]interface{}{
		"true_azimuth": trueAzimuth,
		"azimuth":      rotator.Wrap(trueAzimuth),
		"elevation":    elevation,
		"turns":        int64(math.Floor(trueAzimuth / 360)),
	}
}

// Close flushes pending points and disconnects.
func (r *Recorder) Close() {
	r.w.Flush()
	if r.close != nil {
		r.close()
	}
}
