package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"device-command-service/internal/model"
)

func newCommand(deviceID string, p model.Priority) *model.DeviceCommand {
	cmd := model.NewCommand(deviceID, model.CommandDigitalWrite, model.Params("pin", 1, "value", 1))
	cmd.Priority = p
	return cmd
}

func TestDequeueRespectsPriorityAndFIFO(t *testing.T) {
	q := New(DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	order := []model.Priority{
		model.PriorityLow, model.PriorityNormal, model.PriorityEmergency,
		model.PriorityHigh, model.PriorityNormal, model.PriorityCritical,
		model.PriorityLow, model.PriorityEmergency,
	}
	ids := make(map[model.Priority][]string)
	for _, p := range order {
		id, err := q.Enqueue(ctx, newCommand("dev1", p))
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		ids[p] = append(ids[p], id)
	}

	var want []string
	for _, p := range model.Priorities {
		want = append(want, ids[p]...)
	}

	for i, id := range want {
		cmd, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if cmd.ID != id {
			t.Fatalf("dequeue %d = %s (%s), want %s", i, cmd.ID, cmd.Priority, id)
		}
		if cmd.Status != model.StatusTransmitting {
			t.Errorf("dequeued status = %s, want TRANSMITTING", cmd.Status)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after draining", q.Len())
	}
}

func TestEnqueueMarksQueued(t *testing.T) {
	q := New(DefaultConfig(), zap.NewNop())
	cmd := newCommand("dev1", model.PriorityNormal)

	if _, err := q.Enqueue(context.Background(), cmd); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if cmd.Status != model.StatusQueued || cmd.QueuedAt == nil {
		t.Errorf("status = %s, queued_at = %v", cmd.Status, cmd.QueuedAt)
	}
	if _, err := q.Enqueue(context.Background(), cmd); err == nil {
		t.Error("expected error enqueueing the same command twice")
	}
}

func TestCancel(t *testing.T) {
	q := New(DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	var reasons []string
	q.OnCancelled(func(cmd *model.DeviceCommand, reason string) {
		reasons = append(reasons, reason)
	})

	first := newCommand("dev1", model.PriorityNormal)
	second := newCommand("dev1", model.PriorityNormal)
	q.Enqueue(ctx, first)
	q.Enqueue(ctx, second)

	if !q.Cancel(first.ID) {
		t.Fatal("Cancel() = false for a queued command")
	}
	if first.Status != model.StatusCancelled || first.ErrorMessage != "" {
		t.Errorf("cancelled command: status %s, error %q", first.Status, first.ErrorMessage)
	}
	if q.Cancel(first.ID) {
		t.Error("second Cancel() should report false")
	}
	if q.Cancel("unknown") {
		t.Error("Cancel() of an unknown id should report false")
	}

	cmd, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if cmd.ID != second.ID {
		t.Errorf("dequeued %s, want %s", cmd.ID, second.ID)
	}
	if q.Cancel(second.ID) {
		t.Error("Cancel() after dequeue should report false")
	}
	if len(reasons) != 1 || reasons[0] != ReasonCancelled {
		t.Errorf("hook reasons = %v", reasons)
	}
}

func TestClearDeviceQueue(t *testing.T) {
	q := New(DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		q.Enqueue(ctx, newCommand("dev1", model.PriorityNormal))
	}
	other := newCommand("dev2", model.PriorityNormal)
	q.Enqueue(ctx, other)

	if n := q.ClearDeviceQueue("dev1"); n != 5 {
		t.Fatalf("ClearDeviceQueue() = %d, want 5", n)
	}
	if n := q.ClearDeviceQueue("dev1"); n != 0 {
		t.Errorf("second ClearDeviceQueue() = %d, want 0", n)
	}

	cmd, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if cmd.ID != other.ID {
		t.Errorf("dequeued %s, want dev2 command", cmd.DeviceID)
	}
}

func TestExpireStale(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAge = time.Minute
	q := New(cfg, zap.NewNop())

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	q.SetClock(func() time.Time { return now })

	old := newCommand("dev1", model.PriorityLow)
	old.CreatedAt = base
	q.Enqueue(context.Background(), old)

	now = base.Add(50 * time.Second)
	fresh := newCommand("dev1", model.PriorityLow)
	fresh.CreatedAt = now
	q.Enqueue(context.Background(), fresh)

	var expired []string
	q.OnCancelled(func(cmd *model.DeviceCommand, reason string) {
		if reason == ReasonExpired {
			expired = append(expired, cmd.ID)
		}
	})

	now = base.Add(61 * time.Second)
	if n := q.ExpireStale(); n != 1 {
		t.Fatalf("ExpireStale() = %d, want 1", n)
	}
	if len(expired) != 1 || expired[0] != old.ID {
		t.Errorf("expired = %v, want [%s]", expired, old.ID)
	}
	if old.Status != model.StatusCancelled || old.ErrorMessage != "" {
		t.Errorf("expired command: status %s, error %q", old.Status, old.ErrorMessage)
	}
	if _, ok := q.Get(fresh.ID); !ok {
		t.Error("fresh command should still be queued")
	}
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CapacityPerPriority = 1
	q := New(cfg, zap.NewNop())

	if _, err := q.Enqueue(context.Background(), newCommand("dev1", model.PriorityNormal)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	blocked := newCommand("dev1", model.PriorityNormal)
	_, err := q.Enqueue(ctx, blocked)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Enqueue() on full channel error = %v, want deadline exceeded", err)
	}
	if _, ok := q.Get(blocked.ID); ok {
		t.Error("abandoned enqueue must not leave the command queued")
	}

	// other priorities are unaffected
	if _, err := q.Enqueue(context.Background(), newCommand("dev1", model.PriorityHigh)); err != nil {
		t.Errorf("Enqueue() on another priority error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), newCommand("dev1", model.PriorityNormal))
		done <- err
	}()
	q.Dequeue(context.Background())
	q.Dequeue(context.Background())

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unblocked Enqueue() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue() did not unblock after space freed")
	}
}

func TestDequeueWaitsForCommand(t *testing.T) {
	q := New(DefaultConfig(), zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(1)
	var got *model.DeviceCommand
	go func() {
		defer wg.Done()
		got, _ = q.Dequeue(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	cmd := newCommand("dev1", model.PriorityNormal)
	q.Enqueue(context.Background(), cmd)
	wg.Wait()

	if got == nil || got.ID != cmd.ID {
		t.Fatalf("Dequeue() = %v, want %s", got, cmd.ID)
	}
}

func TestCloseUnblocks(t *testing.T) {
	q := New(DefaultConfig(), zap.NewNop())

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()
	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Dequeue() error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue() did not return after Close()")
	}

	if _, err := q.Enqueue(context.Background(), newCommand("dev1", model.PriorityNormal)); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue() after Close() error = %v, want ErrClosed", err)
	}
	q.Close()
}

func TestRefreshStats(t *testing.T) {
	q := New(DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	q.Enqueue(ctx, newCommand("dev1", model.PriorityHigh))
	q.Enqueue(ctx, newCommand("dev1", model.PriorityNormal))
	q.Enqueue(ctx, newCommand("dev2", model.PriorityNormal))

	if got := q.Stats().Total; got != 0 {
		t.Errorf("Stats() before refresh total = %d, want 0", got)
	}

	stats := q.RefreshStats()
	if stats.Total != 3 || stats.Enqueued != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ByPriority["NORMAL"] != 2 || stats.ByPriority["HIGH"] != 1 {
		t.Errorf("by priority = %v", stats.ByPriority)
	}
	if stats.ByDevice["dev1"] != 2 || stats.ByDevice["dev2"] != 1 {
		t.Errorf("by device = %v", stats.ByDevice)
	}

	stats.ByDevice["dev1"] = 99
	if q.Stats().ByDevice["dev1"] != 2 {
		t.Error("Stats() must return a copy")
	}
}

func TestQueuedAndAbandonedHooks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CapacityPerPriority = 1
	q := New(cfg, zap.NewNop())

	var snapshots []*model.DeviceCommand
	q.OnQueued(func(snapshot *model.DeviceCommand) {
		snapshots = append(snapshots, snapshot)
	})
	var reasons []string
	q.OnCancelled(func(cmd *model.DeviceCommand, reason string) {
		reasons = append(reasons, reason)
	})

	first := newCommand("dev1", model.PriorityNormal)
	q.Enqueue(context.Background(), first)
	if len(snapshots) != 1 || snapshots[0].Status != model.StatusQueued {
		t.Fatalf("snapshots = %v", snapshots)
	}
	if snapshots[0] == first {
		t.Error("hook must receive a copy")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	second := newCommand("dev1", model.PriorityNormal)
	if _, err := q.Enqueue(ctx, second); err == nil {
		t.Fatal("expected enqueue on a full channel with a done context to fail")
	}
	if len(reasons) != 1 || reasons[0] != ReasonAbandoned {
		t.Errorf("reasons = %v, want [abandoned]", reasons)
	}
	if second.Status != model.StatusCancelled {
		t.Errorf("abandoned status = %s, want CANCELLED", second.Status)
	}
}
