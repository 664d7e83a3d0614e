package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("NewHub returned nil")
	}
	if hub.clients == nil {
		t.Error("clients map should be initialized")
	}
	if hub.broadcast == nil {
		t.Error("broadcast channel should be initialized")
	}
	if hub.register == nil {
		t.Error("register channel should be initialized")
	}
	if hub.unregister == nil {
		t.Error("unregister channel should be initialized")
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := NewHub()
	if hub.ClientCount() != 0 {
		t.Errorf("Expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestMessageType_Constants(t *testing.T) {
	tests := []struct {
		msgType  MessageType
		expected string
	}{
		{MessageTypeOccupancy, "occupancy"},
		{MessageTypePeriodClosed, "period_closed"},
		{MessageTypePing, "ping"},
		{MessageTypePong, "pong"},
		{MessageTypeSubscribe, "subscribe"},
		{MessageTypeUnsubscribe, "unsubscribe"},
	}

	for _, tt := range tests {
		if string(tt.msgType) != tt.expected {
			t.Errorf("Expected %s, got %s", tt.expected, string(tt.msgType))
		}
	}
}

func TestOccupancyMessage(t *testing.T) {
	now := time.Now()
	msg := OccupancyMessage("zone-1", "1", "north", 3, now)
	if msg.Type != MessageTypeOccupancy {
		t.Errorf("Expected type %s, got %s", MessageTypeOccupancy, msg.Type)
	}

	data, ok := msg.Data.(map[string]interface{})
	if !ok {
		t.Fatal("Data should be a map")
	}
	if data["zone_id"] != "zone-1" {
		t.Errorf("Expected zone_id 'zone-1', got %v", data["zone_id"])
	}
	if data["lane_number"] != "1" {
		t.Errorf("Expected lane_number '1', got %v", data["lane_number"])
	}
	if data["lane_direction"] != "north" {
		t.Errorf("Expected lane_direction 'north', got %v", data["lane_direction"])
	}
	if data["occupancy"] != 3 {
		t.Errorf("Expected occupancy 3, got %v", data["occupancy"])
	}
}

func TestPeriodClosedMessage(t *testing.T) {
	start := time.Now().Add(-time.Minute)
	end := time.Now()
	msg := PeriodClosedMessage(start, end)
	if msg.Type != MessageTypePeriodClosed {
		t.Errorf("Expected type %s, got %s", MessageTypePeriodClosed, msg.Type)
	}

	data, ok := msg.Data.(map[string]interface{})
	if !ok {
		t.Fatal("Data should be a map")
	}
	if _, ok := data["period_start"]; !ok {
		t.Error("Expected period_start field")
	}
	if _, ok := data["period_end"]; !ok {
		t.Error("Expected period_end field")
	}
}

func TestHub_Run_RegisterUnregister(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	client := &Client{
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: map[string]bool{"*": true},
	}

	hub.register <- client
	time.Sleep(10 * time.Millisecond)
	if hub.ClientCount() != 1 {
		t.Errorf("Expected 1 client, got %d", hub.ClientCount())
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)
	if hub.ClientCount() != 0 {
		t.Errorf("Expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	client := &Client{
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: map[string]bool{"*": true},
	}

	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	msg := Message{Type: MessageTypePeriodClosed, Data: "test"}
	hub.Broadcast(msg)
	time.Sleep(10 * time.Millisecond)

	select {
	case data := <-client.send:
		var received Message
		if err := json.Unmarshal(data, &received); err != nil {
			t.Fatalf("Failed to unmarshal message: %v", err)
		}
		if received.Type != MessageTypePeriodClosed {
			t.Errorf("Expected type %s, got %s", MessageTypePeriodClosed, received.Type)
		}
	default:
		t.Error("Expected message on client.send channel")
	}
}

func TestHub_BroadcastToZone(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	// Client subscribed to a specific zone
	client1 := &Client{
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: map[string]bool{"zone-1": true},
	}
	// Client subscribed to all zones
	client2 := &Client{
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: map[string]bool{"*": true},
	}
	// Client subscribed to a different zone
	client3 := &Client{
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: map[string]bool{"zone-2": true},
	}

	hub.register <- client1
	hub.register <- client2
	hub.register <- client3
	time.Sleep(10 * time.Millisecond)

	msg := Message{Type: MessageTypeOccupancy, Data: "test for zone-1"}
	hub.BroadcastToZone("zone-1", msg)
	time.Sleep(10 * time.Millisecond)

	select {
	case <-client1.send:
	default:
		t.Error("client1 should receive message")
	}
	select {
	case <-client2.send:
	default:
		t.Error("client2 should receive message")
	}
	select {
	case <-client3.send:
		t.Error("client3 should not receive message")
	default:
	}
}

func TestHub_HandleWebSocket(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to websocket: %v", err)
	}
	defer ws.Close()

	time.Sleep(50 * time.Millisecond)

	if hub.ClientCount() != 1 {
		t.Errorf("Expected 1 client, got %d", hub.ClientCount())
	}

	pingMsg := Message{Type: MessageTypePing}
	if err := ws.WriteJSON(pingMsg); err != nil {
		t.Fatalf("Failed to send ping: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(time.Second))
	var response Message
	if err := ws.ReadJSON(&response); err != nil {
		t.Fatalf("Failed to read pong: %v", err)
	}

	if response.Type != MessageTypePong {
		t.Errorf("Expected pong message, got %s", response.Type)
	}
}

func TestClient_HandleMessage_Subscribe(t *testing.T) {
	hub := NewHub()
	client := &Client{
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
	}

	msg := Message{
		Type: MessageTypeSubscribe,
		Data: []interface{}{"zone-1", "zone-2"},
	}
	data, _ := json.Marshal(msg)
	client.handleMessage(data)

	if !client.subscriptions["zone-1"] {
		t.Error("Expected subscription to zone-1")
	}
	if !client.subscriptions["zone-2"] {
		t.Error("Expected subscription to zone-2")
	}
}

func TestClient_HandleMessage_Unsubscribe(t *testing.T) {
	hub := NewHub()
	client := &Client{
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: map[string]bool{"zone-1": true, "zone-2": true},
	}

	msg := Message{
		Type: MessageTypeUnsubscribe,
		Data: []interface{}{"zone-1"},
	}
	data, _ := json.Marshal(msg)
	client.handleMessage(data)

	if client.subscriptions["zone-1"] {
		t.Error("Expected zone-1 to be unsubscribed")
	}
	if !client.subscriptions["zone-2"] {
		t.Error("Expected zone-2 to still be subscribed")
	}
}

func TestClient_HandleMessage_InvalidJSON(t *testing.T) {
	hub := NewHub()
	client := &Client{
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
	}

	// Should not panic on invalid JSON
	client.handleMessage([]byte("invalid json"))
}

func TestUpgrader_CheckOrigin(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	if !upgrader.CheckOrigin(req) {
		t.Error("Empty origin should be allowed")
	}

	req.Header.Set("Origin", "http://localhost:3000")
	if !upgrader.CheckOrigin(req) {
		t.Error("Origin should be allowed")
	}
}
