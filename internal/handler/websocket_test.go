package handler

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"device-command-service/internal/model"
)

func completedResult(deviceID string) *model.CommandResult {
	cmd := model.NewCommand(deviceID, model.CommandSetRelay, model.Params("relay", 1, "state", true))
	now := time.Now()
	cmd.MarkQueued(now)
	cmd.MarkTransmitting(now)
	cmd.MarkAcknowledged(now, "OK")
	return &model.CommandResult{Command: cmd, Success: true, CompletedAt: now}
}

func TestEventBusRoutesByType(t *testing.T) {
	bus := NewEventBus(16, zap.NewNop())
	completed := bus.Subscribe(string(model.EventCommandCompleted))
	all := bus.Subscribe(AllEvents)
	go bus.Start()

	cmd := model.NewCommand("dev1", model.CommandSetRelay, nil)
	bus.OnStatusChanged(cmd, model.StatusPending, model.StatusQueued)
	bus.OnCompleted(completedResult("dev1"))
	bus.OnCompleted(nil)
	bus.Close()

	var got []model.EventType
	for ev := range all {
		got = append(got, ev.EventType)
	}
	if len(got) != 2 || got[0] != model.EventStatusChanged || got[1] != model.EventCommandCompleted {
		t.Errorf("all subscriber got %v", got)
	}

	n := 0
	for ev := range completed {
		if ev.EventType != model.EventCommandCompleted {
			t.Errorf("completed subscriber got %s", ev.EventType)
		}
		n++
	}
	if n != 1 {
		t.Errorf("completed subscriber got %d events, want 1", n)
	}

	// publishing after close is a no-op
	bus.OnCompleted(completedResult("dev1"))
}

func TestEventBusDropsWhenFull(t *testing.T) {
	bus := NewEventBus(1, zap.NewNop())
	sub := bus.Subscribe(AllEvents)

	bus.OnCompleted(completedResult("dev1"))
	bus.OnCompleted(completedResult("dev1"))

	go bus.Start()
	bus.Close()

	n := 0
	for range sub {
		n++
	}
	if n != 1 {
		t.Errorf("delivered %d events, want 1", n)
	}
}

func TestClientFilter(t *testing.T) {
	dev1 := "dev1"
	c := &Client{DeviceID: &dev1}

	status := model.NewStatusEvent(model.NewCommand("dev1", model.CommandSetRelay, nil), model.StatusPending, model.StatusQueued)
	other := model.NewStatusEvent(model.NewCommand("dev2", model.CommandSetRelay, nil), model.StatusPending, model.StatusQueued)
	global := model.NewCompletedEvent(&model.CommandResult{Command: model.NewGlobalStop()})

	if !c.Wants(status) || c.Wants(other) || !c.Wants(global) {
		t.Error("device filter mismatch")
	}

	c.Subscribe(string(model.EventCommandCompleted))
	if c.Wants(status) || !c.Wants(global) {
		t.Error("event type filter mismatch")
	}
	c.Unsubscribe(string(model.EventCommandCompleted))
	if !c.Wants(status) {
		t.Error("empty subscription set should accept everything")
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) WebSocketMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg WebSocketMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func TestWebSocketStreamsEvents(t *testing.T) {
	ts := newTestServer(t, "dev1", "dev2")
	logger := zap.NewNop()

	bus := NewEventBus(64, logger)
	ws := NewWebSocketHandler(ts.proc, bus, nil, logger)
	go bus.Start()
	t.Cleanup(func() {
		bus.Close()
		ws.Close()
	})

	r := gin.New()
	r.GET("/ws/events", ws.HandleEventConnection)
	r.GET("/ws/devices/:device_id", ws.HandleDeviceConnection)
	server := httptest.NewServer(r)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	all, _, err := websocket.DefaultDialer.Dial(url+"/ws/events", nil)
	if err != nil {
		t.Fatalf("Dial(events) error = %v", err)
	}
	defer all.Close()
	dev2, _, err := websocket.DefaultDialer.Dial(url+"/ws/devices/dev2", nil)
	if err != nil {
		t.Fatalf("Dial(dev2) error = %v", err)
	}
	defer dev2.Close()

	if msg := readMessage(t, all); msg.Type != "initial_status" {
		t.Fatalf("first message = %s, want initial_status", msg.Type)
	}
	msg := readMessage(t, dev2)
	if data := msg.Data.(map[string]interface{}); msg.Type != "initial_status" || data["device_id"] != "dev2" {
		t.Fatalf("device initial status = %+v", msg)
	}

	deadline := time.Now().Add(5 * time.Second)
	for ws.connections.GetStats().TotalConnections < 2 {
		if time.Now().After(deadline) {
			t.Fatal("clients never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.OnCompleted(completedResult("dev1"))
	bus.OnCompleted(completedResult("dev2"))

	for _, want := range []string{"dev1", "dev2"} {
		msg := readMessage(t, all)
		data := msg.Data.(map[string]interface{})
		if msg.Type != "command_event" || data["device_id"] != want {
			t.Errorf("events client got %s for %v, want command_event for %s", msg.Type, data["device_id"], want)
		}
	}

	// the device stream skips dev1
	msg = readMessage(t, dev2)
	if data := msg.Data.(map[string]interface{}); data["device_id"] != "dev2" {
		t.Errorf("device client got event for %v", data["device_id"])
	}

	if err := dev2.WriteJSON(WebSocketMessage{Type: "ping", RequestID: "r1"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := readMessage(t, dev2); msg.Type != "pong" || msg.RequestID != "r1" {
		t.Errorf("reply = %+v, want pong r1", msg)
	}

	raw, _ := json.Marshal(WebSocketMessage{Type: "subscribe", Data: map[string]interface{}{"event_type": "NOPE"}})
	dev2.WriteMessage(websocket.TextMessage, raw)
	if msg := readMessage(t, dev2); msg.Type != "error" {
		t.Errorf("reply = %s, want error", msg.Type)
	}
}

func TestWebSocketUnknownDevice(t *testing.T) {
	ts := newTestServer(t, "dev1")
	logger := zap.NewNop()
	bus := NewEventBus(8, logger)
	ws := NewWebSocketHandler(ts.proc, bus, nil, logger)
	go bus.Start()
	t.Cleanup(func() {
		bus.Close()
		ws.Close()
	})

	r := gin.New()
	r.GET("/ws/devices/:device_id", ws.HandleDeviceConnection)
	server := httptest.NewServer(r)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/devices/dev9"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() succeeded for an unknown device")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Errorf("response = %v, want 404", resp)
	}
}
