// Package influx exports task outcomes to InfluxDB as time-series points.
//
// One point is written per completed invocation:
//
//	pollhub_task,outcome=failed,priority=high,task=cam duration_ms=1500i,consecutive_errors=3i,effective_interval_s=40,error="timeout"
//
// Writes are batched and non-blocking; write errors are logged, never returned.
package influx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"golang.org/x/time/rate"

	"pollhub/internal/eventbus"
	"pollhub/internal/storage"
	logx "pollhub/pkg/logx"
)

const (
	Measurement = "pollhub_task"

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
	pingTimeout          = 10 * time.Second
	subscribeBuffer      = 512
)

var (
	ErrConnectionFailed = errors.New("influx: connection failed")
	ErrDisabled         = errors.New("influx: disabled")
)

// Config is the InfluxDB v2 endpoint.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	BatchSize     uint
	FlushInterval time.Duration
}

// Exporter writes completions published on the bus.
type Exporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bus      eventbus.Bus
	log      logx.Logger

	errsDone chan struct{}
}

// Connect pings the server and prepares the write API.
func Connect(ctx context.Context, cfg Config, bus eventbus.Bus, log logx.Logger) (*Exporter, error) {
	url := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if url == "" {
		return nil, ErrDisabled
	}
	batch := cfg.BatchSize
	if batch == 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(url, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batch).
			SetFlushInterval(uint(flush.Milliseconds())),
	)

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	ok, err := client.Ping(pctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("%w: server not ready", ErrConnectionFailed)
	}

	e := &Exporter{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bus:      bus,
		log:      log.With(logx.String("comp", "influx"), logx.String("bucket", cfg.Bucket)),
		errsDone: make(chan struct{}),
	}
	go e.logWriteErrors()
	return e, nil
}

func (e *Exporter) logWriteErrors() {
	defer close(e.errsDone)
	every := rate.Sometimes{Interval: 30 * time.Second}
	for err := range e.writeAPI.Errors() {
		every.Do(func() { e.log.Warn("influx write failed", logx.Err(err)) })
	}
}

// Run consumes completion events until ctx is done.
func (e *Exporter) Run(ctx context.Context) error {
	if e == nil || e.bus == nil {
		return nil
	}
	events, unsub := e.bus.Subscribe(subscribeBuffer)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if o, ok := storage.OutcomeFromEvent(ev); ok {
				e.writeAPI.WritePoint(Point(o))
			}
		}
	}
}

// Close flushes pending points and closes the client.
func (e *Exporter) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	e.writeAPI.Flush()
	e.client.Close()
	<-e.errsDone
	return nil
}

// Point converts an outcome to a line-protocol point.
func Point(o storage.Outcome) *write.Point {
	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	fields := map[string]interface{}{
		"duration_ms":          o.TookMS,
		"consecutive_errors":   int64(o.ConsecutiveErrors),
		"effective_interval_s": float64(o.EffectiveMS) / 1000,
	}
	if o.Error != "" {
		fields["error"] = o.Error
	}
	return write.NewPoint(Measurement, map[string]string{
		"task":     o.Task,
		"priority": o.Priority,
		"outcome":  o.Status,
	}, fields, at)
}
