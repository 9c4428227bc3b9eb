package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewEmergencyStopDefaults(t *testing.T) {
	cmd := NewEmergencyStop("dev1")

	if cmd.MaxRetries != 0 {
		t.Errorf("expected zero retries, got %d", cmd.MaxRetries)
	}
	if cmd.Timeout != time.Second {
		t.Errorf("expected 1s timeout, got %v", cmd.Timeout)
	}
	if cmd.Priority != PriorityEmergency {
		t.Errorf("expected emergency priority, got %v", cmd.Priority)
	}
	if len(cmd.ID) != 12 {
		t.Errorf("expected 12 character id, got %q", cmd.ID)
	}
}

func TestApplyDefaultsForcesStopSettings(t *testing.T) {
	cmd := &DeviceCommand{DeviceID: "dev1", Type: CommandEmergencyStop, MaxRetries: 5, Timeout: time.Minute}
	cmd.ApplyDefaults()

	if cmd.MaxRetries != 0 || cmd.Timeout != StopTimeout || cmd.Priority != PriorityEmergency {
		t.Fatalf("stop settings not enforced: %+v", cmd)
	}
	if cmd.Status != StatusPending {
		t.Errorf("expected pending status, got %s", cmd.Status)
	}
}

func TestTimestampsAreMonotonic(t *testing.T) {
	cmd := NewCommand("dev1", CommandDigitalWrite, nil)
	created := cmd.CreatedAt

	// a clock that went backwards must not move stamps before earlier ones
	cmd.MarkQueued(created.Add(-time.Minute))
	if cmd.QueuedAt.Before(created) {
		t.Fatalf("queued_at %v before created_at %v", cmd.QueuedAt, created)
	}

	cmd.MarkTransmitting(created.Add(time.Second))
	cmd.MarkAcknowledged(created, "ok")
	if cmd.AcknowledgedAt.Before(*cmd.TransmittedAt) {
		t.Fatalf("acknowledged_at %v before transmitted_at %v", cmd.AcknowledgedAt, cmd.TransmittedAt)
	}
	latency, ok := cmd.TransmitLatency()
	if !ok || latency != 0 {
		t.Errorf("expected zero latency, got %v (%v)", latency, ok)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cmd := NewCommand("dev1", CommandSetRelay, Params("relay", 1, "state", true))
	cmd.Metadata["source"] = "test"
	now := time.Now()
	cmd.QueuedAt = &now

	clone := cmd.Clone()
	cmd.Parameters = cmd.Parameters.Set("relay", 2)
	cmd.Metadata["source"] = "changed"
	*cmd.QueuedAt = now.Add(time.Hour)

	if v, _ := clone.Parameters.Get("relay"); v != 1 {
		t.Errorf("clone parameters changed: %v", v)
	}
	if clone.Metadata["source"] != "test" {
		t.Errorf("clone metadata changed: %v", clone.Metadata["source"])
	}
	if !clone.QueuedAt.Equal(now) {
		t.Errorf("clone timestamp changed: %v", clone.QueuedAt)
	}
}

func TestParametersJSONKeepsOrder(t *testing.T) {
	input := `{"zeta":1,"alpha":2.5,"mid":"x","flag":true}`

	var p Parameters
	if err := json.Unmarshal([]byte(input), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	keys := strings.Join(p.Keys(), ",")
	if keys != "zeta,alpha,mid,flag" {
		t.Errorf("unexpected key order %s", keys)
	}
	if v, _ := p.Get("zeta"); v != int64(1) {
		t.Errorf("expected int64 1, got %T %v", v, v)
	}
	if v, _ := p.Get("alpha"); v != 2.5 {
		t.Errorf("expected float 2.5, got %T %v", v, v)
	}

	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != input {
		t.Errorf("round trip mismatch:\n got %s\nwant %s", out, input)
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
		ok   bool
	}{
		{"low", PriorityLow, true},
		{"", PriorityNormal, true},
		{"Critical", PriorityCritical, true},
		{"EMERGENCY", PriorityEmergency, true},
		{"urgent", PriorityNormal, false},
	}
	for _, tt := range tests {
		got, ok := ParsePriority(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParsePriority(%q) = %v,%v want %v,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFailedDevicesSorted(t *testing.T) {
	result := &CommandResult{DeviceResults: map[string]*CommandResult{
		"c": {Success: false},
		"a": {Success: false},
		"b": {Success: true},
	}}
	got := strings.Join(result.FailedDevices(), ",")
	if got != "a,c" {
		t.Errorf("expected a,c got %s", got)
	}
}
