package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pollhub/internal/poll"
)

// ReporterName is the task name the reporter registers under.
const ReporterName = "mqtt-health"

// Source is the subset of the poll manager the reporter reads.
type Source interface {
	Health() poll.Health
	AllStatus() poll.Status
}

// Reporter publishes health and status snapshots. It is a low priority poll
// task, so broker outages back it off like any device.
type Reporter struct {
	pub    Publisher
	src    Source
	topic  string
	qos    byte
	retain bool
}

func NewReporter(pub Publisher, src Source, cfg Config) *Reporter {
	return &Reporter{pub: pub, src: src, topic: cfg.Topic, qos: cfg.QoS, retain: cfg.Retain}
}

func (r *Reporter) Name() string            { return ReporterName }
func (r *Reporter) Priority() poll.Priority { return poll.PriorityLow }

// Run publishes <topic>/health and <topic>/status.
func (r *Reporter) Run(ctx context.Context) error {
	health, err := json.Marshal(r.src.Health())
	if err != nil {
		return err
	}
	status, err := json.Marshal(r.src.AllStatus())
	if err != nil {
		return err
	}
	var errs []error
	if err := r.pub.Publish(ctx, r.topic+"/health", r.qos, r.retain, health); err != nil {
		errs = append(errs, fmt.Errorf("publish health: %w", err))
	}
	if err := r.pub.Publish(ctx, r.topic+"/status", r.qos, r.retain, status); err != nil {
		errs = append(errs, fmt.Errorf("publish status: %w", err))
	}
	return errors.Join(errs...)
}
