package transmitter

import (
	"time"
)

// DeviceStatistics summarizes transmissions to one device
type DeviceStatistics struct {
	DeviceID       string        `json:"device_id"`
	TotalAttempts  int64         `json:"total_attempts"`
	Successes      int64         `json:"successes"`
	Failures       int64         `json:"failures"`
	Retries        int64         `json:"retries"`
	Timeouts       int64         `json:"timeouts"`
	AverageLatency time.Duration `json:"average_latency"`
	LastActivity   time.Time     `json:"last_activity"`
	LastError      string        `json:"last_error,omitempty"`
}

// outcome is what one Transmit call contributes to the statistics
type outcome struct {
	attempts int
	success  bool
	timeouts int
	latency  time.Duration
	err      string
	at       time.Time
}

func (s *DeviceStatistics) record(o outcome) {
	s.TotalAttempts += int64(o.attempts)
	if o.attempts > 1 {
		s.Retries += int64(o.attempts - 1)
	}
	s.Timeouts += int64(o.timeouts)
	if o.success {
		s.Successes++
		if s.AverageLatency == 0 {
			s.AverageLatency = o.latency
		} else {
			s.AverageLatency = (s.AverageLatency + o.latency) / 2
		}
	} else {
		s.Failures++
		s.LastError = o.err
	}
	s.LastActivity = o.at
}

// GetStatistics returns a copy of a device's statistics
func (t *Transmitter) GetStatistics(deviceID string) (DeviceStatistics, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats, ok := t.stats[deviceID]
	if !ok {
		return DeviceStatistics{}, false
	}
	return *stats, true
}

// AllStatistics returns copies of every device's statistics
func (t *Transmitter) AllStatistics() map[string]DeviceStatistics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]DeviceStatistics, len(t.stats))
	for id, stats := range t.stats {
		out[id] = *stats
	}
	return out
}

func (t *Transmitter) recordOutcome(deviceID string, o outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats, ok := t.stats[deviceID]
	if !ok {
		stats = &DeviceStatistics{DeviceID: deviceID}
		t.stats[deviceID] = stats
	}
	stats.record(o)
}
