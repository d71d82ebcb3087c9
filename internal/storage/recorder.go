package storage

import (
	"context"
	"time"

	"pollhub/internal/eventbus"
	"pollhub/internal/poll"
	logx "pollhub/pkg/logx"
)

const (
	recorderBuffer = 512
	writeTimeout   = 2 * time.Second
	pruneEvery     = 10 * time.Minute
)

// Recorder journals task outcomes published on the bus.
type Recorder struct {
	store     Store
	bus       eventbus.Bus
	log       logx.Logger
	retention time.Duration
}

// NewRecorder returns a recorder. retention > 0 prunes older outcomes periodically.
func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger, retention time.Duration) *Recorder {
	return &Recorder{store: store, bus: bus, log: log.With(logx.String("comp", "recorder")), retention: retention}
}

// Run consumes events until ctx is done. Write failures are logged, never fatal.
func (r *Recorder) Run(ctx context.Context) error {
	if r.store == nil || r.bus == nil {
		return nil
	}
	events, unsub := r.bus.Subscribe(recorderBuffer)
	defer unsub()

	var prune <-chan time.Time
	if r.retention > 0 {
		t := time.NewTicker(pruneEvery)
		defer t.Stop()
		prune = t.C
		r.prune(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			o, ok := OutcomeFromEvent(ev)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := r.store.AppendOutcome(wctx, o)
			cancel()
			if err != nil {
				r.log.Warn("outcome not journaled", logx.String("task", o.Task), logx.Err(err))
			}
		case <-prune:
			r.prune(ctx)
		}
	}
}

func (r *Recorder) prune(ctx context.Context) {
	n, err := r.store.Prune(ctx, time.Now().Add(-r.retention))
	if err != nil {
		r.log.Warn("outcome prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		r.log.Debug("outcomes pruned", logx.Int("count", n), logx.Duration("retention", r.retention))
	}
}

// OutcomeFromEvent maps a completion event to a journal record.
func OutcomeFromEvent(ev eventbus.Event) (Outcome, bool) {
	te, ok := ev.Data.(poll.TaskEvent)
	if !ok {
		return Outcome{}, false
	}
	var status string
	switch ev.Type {
	case poll.EventSucceeded:
		status = StatusOK
	case poll.EventFailed:
		status = StatusFailed
		if te.Timeout {
			status = StatusTimeout
		}
	case poll.EventCancelled:
		status = StatusCancelled
	default:
		return Outcome{}, false
	}
	return Outcome{
		At:                ev.Time,
		Task:              te.Name,
		RunID:             te.RunID,
		Priority:          te.Priority.String(),
		Status:            status,
		Started:           te.Started,
		TookMS:            te.Duration.Milliseconds(),
		Error:             te.Error,
		ConsecutiveErrors: te.ConsecutiveErrors,
		EffectiveMS:       te.EffectiveInterval.Milliseconds(),
	}, true
}
