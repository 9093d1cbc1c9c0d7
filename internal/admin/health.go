// Package admin is the operator-facing surface: health/status reporting,
// the live metrics feed, and the HTTP server that exposes them. None of it
// sits on the ingestion path — the consumer loop runs identically whether
// or not anything is listening on the admin port.
package admin

import (
	"sync"
	"time"
)

// ConsumerMonitor tracks the health of the batch consume loop: when it last
// acked a batch cleanly, how many batches in a row it has failed to ack
// clean, and the per-outcome and reconnect counters the loop already
// distinguishes (spec.md §4.I, §7: ack, reject-with-requeue,
// reject-no-requeue, broker reconnect).
type ConsumerMonitor struct {
	mu                sync.RWMutex
	lastAck           time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	acked             int64
	requeued          int64
	dropped           int64
	reconnects        int64
}

// RecordOutcome records one batch's disposition, as classified by
// internal/consumer.Loop: "ack", "requeue" (reject-with-requeue), or "drop"
// (reject-no-requeue). err is the pipeline error behind a non-ack outcome;
// nil for "ack".
func (cm *ConsumerMonitor) RecordOutcome(outcome string, err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.lastAttempt = time.Now()

	switch outcome {
	case "ack":
		cm.lastAck = time.Now()
		cm.consecutiveErrors = 0
		cm.lastError = ""
		cm.acked++
	case "requeue":
		cm.consecutiveErrors++
		cm.requeued++
		if err != nil {
			cm.lastError = err.Error()
		}
	case "drop":
		cm.consecutiveErrors++
		cm.dropped++
		if err != nil {
			cm.lastError = err.Error()
		}
	}
}

// RecordReconnect records one broker reconnect triggered by a transport
// failure (spec.md §4.I).
func (cm *ConsumerMonitor) RecordReconnect() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.reconnects++
}

// IsHealthy reports whether the consumer loop is making progress.
// Unhealthy conditions:
//   - never acked a batch
//   - no acked batch in the last minute
//   - more than 5 consecutive requeue/drop outcomes
func (cm *ConsumerMonitor) IsHealthy() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.lastAck.IsZero() {
		return false
	}
	if time.Since(cm.lastAck) > time.Minute {
		return false
	}
	if cm.consecutiveErrors > 5 {
		return false
	}
	return true
}

// ConsumerStatus is the JSON shape served at /healthz.
type ConsumerStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	Acked             int64  `json:"acked"`
	Requeued          int64  `json:"requeued"`
	Dropped           int64  `json:"dropped"`
	Reconnects        int64  `json:"reconnects"`
}

// Status snapshots the monitor for a health check response.
func (cm *ConsumerMonitor) Status() ConsumerStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	status := ConsumerStatus{
		Healthy:    cm.IsHealthy(),
		Acked:      cm.acked,
		Requeued:   cm.requeued,
		Dropped:    cm.dropped,
		Reconnects: cm.reconnects,
	}

	if !cm.lastAck.IsZero() {
		status.LastSuccess = cm.lastAck.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(cm.lastAck).String()
	}

	if !cm.lastAttempt.IsZero() {
		status.LastAttempt = cm.lastAttempt.Format(time.RFC3339)
	}

	if cm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = cm.consecutiveErrors
		status.LastError = cm.lastError
	}

	return status
}
