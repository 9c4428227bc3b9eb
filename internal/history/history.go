// Package history keeps bounded, retention-filtered snapshots of commands
// for audit and diagnostics.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"device-command-service/internal/model"
)

// Config sizes the rings and the retention window
type Config struct {
	GlobalCapacity int
	DeviceCapacity int
	Retention      time.Duration
	SweepInterval  time.Duration
}

// DefaultConfig returns 10000 global and 1000 per-device entries with a
// 24h retention window swept hourly
func DefaultConfig() Config {
	return Config{
		GlobalCapacity: 10000,
		DeviceCapacity: 1000,
		Retention:      24 * time.Hour,
		SweepInterval:  time.Hour,
	}
}

// History stores snapshots in a global ring and one ring per device
type History struct {
	config Config
	now    func() time.Time
	logger *zap.Logger

	mu      sync.RWMutex
	global  *Ring[*model.DeviceCommand]
	devices map[string]*Ring[*model.DeviceCommand]
}

// New creates an empty history
func New(cfg Config, logger *zap.Logger) *History {
	def := DefaultConfig()
	if cfg.GlobalCapacity <= 0 {
		cfg.GlobalCapacity = def.GlobalCapacity
	}
	if cfg.DeviceCapacity <= 0 {
		cfg.DeviceCapacity = def.DeviceCapacity
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	return &History{
		config:  cfg,
		now:     time.Now,
		logger:  logger.With(zap.String("component", "history")),
		global:  NewRing[*model.DeviceCommand](cfg.GlobalCapacity),
		devices: make(map[string]*Ring[*model.DeviceCommand]),
	}
}

// SetClock replaces time.Now for retention checks
func (h *History) SetClock(now func() time.Time) {
	h.mu.Lock()
	h.now = now
	h.mu.Unlock()
}

// Add stores a snapshot of cmd
func (h *History) Add(cmd *model.DeviceCommand) {
	if cmd == nil {
		return
	}
	snapshot := cmd.Clone()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.global.Push(snapshot)
	h.deviceRing(snapshot.DeviceID).Push(snapshot)
}

// Update replaces the newest snapshot with the same id, or adds one
func (h *History) Update(cmd *model.DeviceCommand) {
	if cmd == nil {
		return
	}
	snapshot := cmd.Clone()
	match := func(c *model.DeviceCommand) bool { return c != nil && c.ID == snapshot.ID }

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.global.ReplaceNewest(match, snapshot) {
		h.global.Push(snapshot)
	}
	ring := h.deviceRing(snapshot.DeviceID)
	if !ring.ReplaceNewest(match, snapshot) {
		ring.Push(snapshot)
	}
}

// deviceRing returns the ring for deviceID, creating it on first use. Callers hold mu.
func (h *History) deviceRing(deviceID string) *Ring[*model.DeviceCommand] {
	ring, ok := h.devices[deviceID]
	if !ok {
		ring = NewRing[*model.DeviceCommand](h.config.DeviceCapacity)
		h.devices[deviceID] = ring
	}
	return ring
}

// retained reports whether cmd is inside the retention window
func (h *History) retained(cmd *model.DeviceCommand, now time.Time) bool {
	return cmd != nil && now.Sub(cmd.CreatedAt) <= h.config.Retention
}

// collect walks ring newest first, returning copies of retained entries that
// pass keep. max <= 0 means no limit.
func (h *History) collect(ring *Ring[*model.DeviceCommand], max int, keep func(*model.DeviceCommand) bool) []*model.DeviceCommand {
	now := h.now()
	var out []*model.DeviceCommand
	ring.Each(func(cmd *model.DeviceCommand) bool {
		if !h.retained(cmd, now) || (keep != nil && !keep(cmd)) {
			return true
		}
		out = append(out, cmd.Clone())
		return max <= 0 || len(out) < max
	})
	return out
}

// Get returns a device's retained entries, newest first
func (h *History) Get(deviceID string, max int) []*model.DeviceCommand {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ring, ok := h.devices[deviceID]
	if !ok {
		return nil
	}
	return h.collect(ring, max, nil)
}

// GetRecent returns retained entries across all devices, newest first
func (h *History) GetRecent(max int) []*model.DeviceCommand {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.collect(h.global, max, nil)
}

// GetByType returns retained entries of one command type
func (h *History) GetByType(commandType model.CommandType, max int) []*model.DeviceCommand {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.collect(h.global, max, func(c *model.DeviceCommand) bool { return c.Type == commandType })
}

// GetByStatus returns retained entries in one status
func (h *History) GetByStatus(status model.CommandStatus, max int) []*model.DeviceCommand {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.collect(h.global, max, func(c *model.DeviceCommand) bool { return c.Status == status })
}

// GetByTimeRange returns retained entries created within [from, to]
func (h *History) GetByTimeRange(from, to time.Time, max int) []*model.DeviceCommand {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.collect(h.global, max, func(c *model.DeviceCommand) bool {
		return !c.CreatedAt.Before(from) && !c.CreatedAt.After(to)
	})
}

// Clear drops a device's ring and reports whether it existed
func (h *History) Clear(deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.devices[deviceID]; !ok {
		return false
	}
	delete(h.devices, deviceID)
	h.logger.Info("Device history cleared", zap.String("device_id", deviceID))
	return true
}

// Statistics summarizes the retained history
type Statistics struct {
	TotalCommands  int            `json:"total_commands"`
	ByType         map[string]int `json:"by_type"`
	ByDevice       map[string]int `json:"by_device"`
	ByStatus       map[string]int `json:"by_status"`
	Oldest         *time.Time     `json:"oldest,omitempty"`
	Newest         *time.Time     `json:"newest,omitempty"`
	BufferUsed     int            `json:"buffer_used"`
	BufferCapacity int            `json:"buffer_capacity"`
	DeviceRings    int            `json:"device_rings"`
	Retention      time.Duration  `json:"retention"`
}

// Statistics computes counts over the retained global history
func (h *History) Statistics() Statistics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Statistics{
		ByType:         make(map[string]int),
		ByDevice:       make(map[string]int),
		ByStatus:       make(map[string]int),
		BufferUsed:     h.global.Len(),
		BufferCapacity: h.global.Cap(),
		DeviceRings:    len(h.devices),
		Retention:      h.config.Retention,
	}

	now := h.now()
	h.global.Each(func(cmd *model.DeviceCommand) bool {
		if !h.retained(cmd, now) {
			return true
		}
		stats.TotalCommands++
		stats.ByType[string(cmd.Type)]++
		stats.ByDevice[cmd.DeviceID]++
		stats.ByStatus[string(cmd.Status)]++

		created := cmd.CreatedAt
		if stats.Oldest == nil || created.Before(*stats.Oldest) {
			stats.Oldest = &created
		}
		if stats.Newest == nil || created.After(*stats.Newest) {
			newest := created
			stats.Newest = &newest
		}
		return true
	})
	return stats
}

// Devices returns the ids that currently have a ring, sorted
func (h *History) Devices() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.devices))
	for id := range h.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sweep removes device rings with no retained entries and returns how many
func (h *History) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	removed := 0
	for id, ring := range h.devices {
		live := false
		ring.Each(func(cmd *model.DeviceCommand) bool {
			live = h.retained(cmd, now)
			return !live
		})
		if !live {
			delete(h.devices, id)
			removed++
		}
	}
	return removed
}

// Start sweeps on the configured interval until ctx is done
func (h *History) Start(ctx context.Context) {
	ticker := time.NewTicker(h.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.Sweep(); n > 0 {
				h.logger.Debug("Removed empty device histories", zap.Int("count", n))
			}
		}
	}
}
