// internal/handler/websocket_handler.go
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"device-command-service/internal/model"
	"device-command-service/internal/processor"
	"device-command-service/internal/utils"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second

	// recent history sent to a device client on connect
	initialHistory = 20
)

// WebSocketHandler streams command events to WebSocket clients
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	connections *ConnectionManager
	processor   *processor.Processor
	logger      *utils.ServiceLogger
	eventBus    *EventBus
	events      <-chan model.CommandEvent
	done        chan struct{}
}

// NewWebSocketHandler creates a new WebSocket handler fed by bus. An empty
// origins list accepts any origin.
func NewWebSocketHandler(p *processor.Processor, bus *EventBus, origins []string, logger *zap.Logger) *WebSocketHandler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimSuffix(o, "/")] = true
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(allowed) == 0 || allowed["*"] || origin == "" || allowed[origin]
		},
	}

	handler := &WebSocketHandler{
		upgrader:    upgrader,
		connections: NewConnectionManager(),
		processor:   p,
		logger:      utils.NewServiceLogger(logger, "websocket-handler"),
		eventBus:    bus,
		events:      bus.Subscribe(AllEvents),
		done:        make(chan struct{}),
	}

	go handler.forward()
	return handler
}

// forward broadcasts bus events until the subscription closes
func (h *WebSocketHandler) forward() {
	defer close(h.done)
	for event := range h.events {
		h.BroadcastEvent(event)
	}
}

// Close disconnects every client. The bus must be closed first.
func (h *WebSocketHandler) Close() {
	<-h.done
	h.connections.Close()
}

// HandleEventConnection handles GET /ws/events. An optional device_id query
// parameter narrows the stream to one device.
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	var deviceID *string
	if id := c.Query("device_id"); id != "" {
		deviceID = &id
	}
	h.serve(c, "events", deviceID)
}

// HandleDeviceConnection handles GET /ws/devices/:device_id
func (h *WebSocketHandler) HandleDeviceConnection(c *gin.Context) {
	deviceID := c.Param("device_id")
	if _, ok := h.processor.Transmitter().Transport(deviceID); !ok {
		utils.ErrorResponse(c, http.StatusNotFound, "Unknown device", fmt.Errorf("no transport registered for device %s", deviceID))
		return
	}
	h.serve(c, "device", &deviceID)
}

func (h *WebSocketHandler) serve(c *gin.Context, clientType string, deviceID *string) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 256),
		Type:        clientType,
		DeviceID:    deviceID,
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}

	// queued before registration so it is the first frame the client sees
	if msg, err := json.Marshal(h.initialStatus(client)); err == nil {
		client.Send <- msg
	}

	if !h.connections.Register(client) {
		conn.Close()
		return
	}

	fields := []zap.Field{
		zap.String("client_id", client.ID),
		zap.String("type", clientType),
		zap.String("remote_addr", client.RemoteAddr),
	}
	if deviceID != nil {
		fields = append(fields, zap.String("device_id", *deviceID))
	}
	h.logger.Info("WebSocket client connected", fields...)

	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

func (h *WebSocketHandler) initialStatus(client *Client) *WebSocketMessage {
	data := map[string]interface{}{
		"client_id": client.ID,
		"queue":     h.processor.Queue().Stats(),
	}
	if client.DeviceID != nil {
		deviceID := *client.DeviceID
		data["device_id"] = deviceID
		data["connected"] = h.processor.Transmitter().IsDeviceAvailable(deviceID)
		data["recent"] = h.processor.History().Get(deviceID, initialHistory)
	}
	return &WebSocketMessage{
		Type:      "initial_status",
		Data:      data,
		Timestamp: time.Now(),
	}
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer func() {
		h.connections.Unregister(client)
		client.Connection.Close()
	}()

	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			break
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.sendError(client, "invalid message")
			continue
		}

		h.handleClientMessage(client, &message)
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Warn("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles incoming client messages
func (h *WebSocketHandler) handleClientMessage(client *Client, message *WebSocketMessage) {
	switch message.Type {
	case "subscribe", "unsubscribe":
		h.handleSubscription(client, message)
	case "queue_stats":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "queue_stats",
			Data:      h.processor.Queue().RefreshStats(),
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	case "ping":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "pong",
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	default:
		h.sendError(client, fmt.Sprintf("unknown message type: %s", message.Type))
	}
}

// handleSubscription narrows or widens the event types a client receives
func (h *WebSocketHandler) handleSubscription(client *Client, message *WebSocketMessage) {
	data, ok := message.Data.(map[string]interface{})
	if !ok {
		h.sendError(client, "subscription requires data.event_type")
		return
	}
	eventType, _ := data["event_type"].(string)
	switch model.EventType(eventType) {
	case model.EventStatusChanged, model.EventCommandCompleted:
	default:
		h.sendError(client, fmt.Sprintf("unknown event type: %s", eventType))
		return
	}

	if message.Type == "subscribe" {
		client.Subscribe(eventType)
	} else {
		client.Unsubscribe(eventType)
	}
	h.sendMessage(client, &WebSocketMessage{
		Type:      message.Type + "d",
		Data:      map[string]interface{}{"event_type": eventType},
		Timestamp: time.Now(),
		RequestID: message.RequestID,
	})
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	if !h.connections.Send(client, messageBytes) {
		h.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
	}
}

// sendError sends an error message to a client
func (h *WebSocketHandler) sendError(client *Client, errorMsg string) {
	h.sendMessage(client, &WebSocketMessage{
		Type:      "error",
		Data:      map[string]interface{}{"error": errorMsg},
		Timestamp: time.Now(),
	})
}

// BroadcastEvent sends a command event to every interested client
func (h *WebSocketHandler) BroadcastEvent(event model.CommandEvent) {
	messageBytes, err := json.Marshal(&WebSocketMessage{
		Type:      "command_event",
		Data:      event,
		Timestamp: time.Now(),
	})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	if dropped := h.connections.Broadcast(event, messageBytes); dropped > 0 {
		h.logger.Warn("Client send channel full during broadcast",
			zap.Int("clients", dropped),
			zap.String("command_id", event.CommandID),
		)
	}
}

// GetConnectionStats handles GET /ws/stats
func (h *WebSocketHandler) GetConnectionStats(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "WebSocket connections", h.connections.GetStats())
}
