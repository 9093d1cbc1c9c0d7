package admin

import (
	"errors"
	"testing"
	"time"
)

func TestConsumerMonitor_RecordOutcomeAck(t *testing.T) {
	cm := &ConsumerMonitor{}
	cm.RecordOutcome("ack", nil)

	status := cm.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after an ack")
	}
	if status.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0", status.ConsecutiveErrors)
	}
	if status.LastError != "" {
		t.Errorf("LastError = %q, want empty", status.LastError)
	}
	if status.Acked != 1 {
		t.Errorf("Acked = %d, want 1", status.Acked)
	}
}

func TestConsumerMonitor_RecordOutcomeRequeue(t *testing.T) {
	cm := &ConsumerMonitor{}
	cm.RecordOutcome("requeue", errors.New("queue unreachable"))

	status := cm.Status()
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "queue unreachable" {
		t.Errorf("LastError = %q, want %q", status.LastError, "queue unreachable")
	}
	if status.Requeued != 1 {
		t.Errorf("Requeued = %d, want 1", status.Requeued)
	}
}

func TestConsumerMonitor_RecordOutcomeDrop(t *testing.T) {
	cm := &ConsumerMonitor{}
	cm.RecordOutcome("drop", errors.New("malformed payload"))

	status := cm.Status()
	if status.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", status.Dropped)
	}
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
}

func TestConsumerMonitor_RecordReconnect(t *testing.T) {
	cm := &ConsumerMonitor{}
	cm.RecordReconnect()
	cm.RecordReconnect()

	if got := cm.Status().Reconnects; got != 2 {
		t.Errorf("Reconnects = %d, want 2", got)
	}
}

func TestConsumerMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*ConsumerMonitor)
		expected bool
	}{
		{
			name:     "never acked",
			setup:    func(*ConsumerMonitor) {},
			expected: false,
		},
		{
			name: "recent ack",
			setup: func(cm *ConsumerMonitor) {
				cm.RecordOutcome("ack", nil)
			},
			expected: true,
		},
		{
			name: "stale ack",
			setup: func(cm *ConsumerMonitor) {
				cm.mu.Lock()
				cm.lastAck = time.Now().Add(-2 * time.Minute)
				cm.mu.Unlock()
			},
			expected: false,
		},
		{
			name: "too many consecutive errors",
			setup: func(cm *ConsumerMonitor) {
				cm.RecordOutcome("ack", nil)
				for i := 0; i < 6; i++ {
					cm.RecordOutcome("requeue", errors.New("error"))
				}
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cm := &ConsumerMonitor{}
			tt.setup(cm)
			if got := cm.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestConsumerMonitor_Status(t *testing.T) {
	cm := &ConsumerMonitor{}
	cm.RecordOutcome("ack", nil)

	status := cm.Status()
	if !status.Healthy {
		t.Error("Status should be healthy")
	}
	if status.LastSuccess == "" {
		t.Error("LastSuccess should be set")
	}
	if status.TimeSinceSuccess == "" {
		t.Error("TimeSinceSuccess should be set")
	}
}
