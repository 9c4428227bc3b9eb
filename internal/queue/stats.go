package queue

import (
	"time"
)

type counters struct {
	enqueued  int64
	dequeued  int64
	cancelled int64
	expired   int64
}

// Statistics is a point-in-time snapshot of the queue
type Statistics struct {
	Total      int            `json:"total"`
	ByPriority map[string]int `json:"by_priority"`
	ByDevice   map[string]int `json:"by_device"`
	Enqueued   int64          `json:"enqueued"`
	Dequeued   int64          `json:"dequeued"`
	Cancelled  int64          `json:"cancelled"`
	Expired    int64          `json:"expired"`
	Capacity   int            `json:"capacity_per_priority"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func emptyStatistics() Statistics {
	return Statistics{
		ByPriority: make(map[string]int),
		ByDevice:   make(map[string]int),
	}
}

// Stats returns the snapshot taken by the last refresh
func (q *Queue) Stats() Statistics {
	q.statsMu.RLock()
	defer q.statsMu.RUnlock()
	return copyStatistics(q.stats)
}

// RefreshStats recomputes the snapshot from the queued commands
func (q *Queue) RefreshStats() Statistics {
	snapshot := emptyStatistics()
	snapshot.Capacity = q.config.CapacityPerPriority

	q.mu.Lock()
	for _, cmd := range q.commands {
		snapshot.Total++
		snapshot.ByPriority[cmd.Priority.String()]++
		snapshot.ByDevice[cmd.DeviceID]++
	}
	snapshot.Enqueued = q.counters.enqueued
	snapshot.Dequeued = q.counters.dequeued
	snapshot.Cancelled = q.counters.cancelled
	snapshot.Expired = q.counters.expired
	snapshot.UpdatedAt = q.now()
	q.mu.Unlock()

	q.statsMu.Lock()
	q.stats = snapshot
	q.statsMu.Unlock()
	return copyStatistics(snapshot)
}

func copyStatistics(s Statistics) Statistics {
	out := s
	out.ByPriority = make(map[string]int, len(s.ByPriority))
	for k, v := range s.ByPriority {
		out.ByPriority[k] = v
	}
	out.ByDevice = make(map[string]int, len(s.ByDevice))
	for k, v := range s.ByDevice {
		out.ByDevice[k] = v
	}
	return out
}
