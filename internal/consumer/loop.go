package consumer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tsingest/bucketworker/internal/broker"
	"github.com/tsingest/bucketworker/internal/config"
	"github.com/tsingest/bucketworker/internal/obserr"
	"github.com/tsingest/bucketworker/internal/telemetry"
)

// Monitor is the health-reporting surface the loop updates after every
// batch and every reconnect; internal/admin.ConsumerMonitor satisfies it.
type Monitor interface {
	// RecordOutcome records one batch's disposition: "ack", "requeue", or
	// "drop" (the same three outcomes Loop acts on). err is the pipeline
	// error behind a non-ack outcome, nil for "ack".
	RecordOutcome(outcome string, err error)
	// RecordReconnect records one broker reconnect triggered by a
	// transport failure.
	RecordReconnect()
}

// noopMonitor is used when the caller passes a nil Monitor.
type noopMonitor struct{}

func (noopMonitor) RecordOutcome(string, error) {}
func (noopMonitor) RecordReconnect()            {}

// Loop drives the broker consume/ack/reject cycle around a Pipeline
// (spec.md §4.I). It never exits on broker failure; only Stop (the process
// termination signal) ends it, and only at the next iteration boundary.
type Loop struct {
	consumer broker.Consumer
	pipeline *Pipeline
	monitor  Monitor
	metrics  *telemetry.Metrics
	logf     func(format string, args ...any)

	running atomic.Bool
}

// NewLoop builds a Loop. monitor and metrics may be nil; logf receives one
// line per reconnect attempt, transport error, and batch outcome.
func NewLoop(c broker.Consumer, p *Pipeline, monitor Monitor, metrics *telemetry.Metrics, logf func(string, ...any)) *Loop {
	if monitor == nil {
		monitor = noopMonitor{}
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Loop{consumer: c, pipeline: p, monitor: monitor, metrics: metrics, logf: logf}
}

// Stop tells Run to exit after the in-flight batch is acked/rejected
// (spec.md §5: cooperative cancellation at the next iteration boundary).
func (l *Loop) Stop() {
	l.running.Store(false)
}

// Run blocks until Stop is called or ctx is cancelled. It connects to the
// broker before entering the fetch loop, and reconnects on any transport
// failure (spec.md §4.I, §6).
func (l *Loop) Run(ctx context.Context) {
	l.running.Store(true)

	if !l.reconnectUntilStopped(ctx) {
		return
	}

	for l.running.Load() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, ok, err := l.consumer.Next(ctx, config.QueueFetchTimeout)
		if err != nil {
			l.logf("consumer: transport error on recv: %v", err)
			if l.metrics != nil {
				l.metrics.ReconnectsTotal.Inc()
			}
			l.monitor.RecordReconnect()
			if !l.reconnectUntilStopped(ctx) {
				return
			}
			continue
		}
		if !ok {
			continue
		}

		l.handle(ctx, msg)
	}
}

func (l *Loop) handle(ctx context.Context, msg broker.Message) {
	start := time.Now()
	perr := l.pipeline.Process(ctx, msg.Body)

	outcome := "ack"
	var ackErr error
	switch {
	case perr == nil:
		ackErr = msg.Ack()
	case obserr.IsTransient(perr):
		outcome = "requeue"
		ackErr = msg.Reject(true)
	default:
		outcome = "drop"
		ackErr = msg.Reject(false)
	}

	if l.metrics != nil {
		l.metrics.ObserveBatch(outcome, time.Since(start))
	}
	l.monitor.RecordOutcome(outcome, perr)
	if perr != nil {
		l.logf("consumer: batch outcome=%s: %v", outcome, perr)
	}

	if ackErr != nil {
		l.logf("consumer: ack/reject transport error: %v", ackErr)
		if l.metrics != nil {
			l.metrics.ReconnectsTotal.Inc()
		}
		l.monitor.RecordReconnect()
		l.reconnectUntilStopped(ctx)
	}
}

// reconnectUntilStopped retries Connect with config.ReconnectTimeout
// backoff until it succeeds, Stop is called, or ctx is cancelled. Returns
// false if the loop should exit instead of continuing.
func (l *Loop) reconnectUntilStopped(ctx context.Context) bool {
	for l.running.Load() {
		if err := l.consumer.Connect(ctx); err != nil {
			l.logf("consumer: reconnect failed: %v", err)
			select {
			case <-ctx.Done():
				return false
			case <-time.After(config.ReconnectTimeout):
			}
			continue
		}
		return true
	}
	return false
}
