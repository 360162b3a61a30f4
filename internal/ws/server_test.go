package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/transit-radar/backend/internal/hub"
	"github.com/transit-radar/backend/internal/protocol"
	"github.com/transit-radar/backend/internal/transit"
)

func testOptions() Options {
	return Options{
		PingInterval: 50 * time.Millisecond,
		PongTimeout:  10 * time.Second,
		SendBuffer:   64,
	}
}

// startServer brings up a hub and a ws endpoint backed by it. The poll
// interval is effectively infinite so tests drive feed ticks themselves.
func startServer(t *testing.T, cfg hub.Config, opts Options) (*hub.Hub, *httptest.Server) {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	if cfg.MinCapacity == 0 {
		cfg.MinCapacity = 20
		cfg.MaxCapacity = 35
	}

	h := hub.New(cfg, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := NewServer(h, opts, nil)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return h, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	frame, err := json.Marshal(map[string]any{"type": msgType, "payload": payload})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal frame %s: %v", data, err)
	}
	return env.Type, env.Payload
}

func waitForSessions(t *testing.T, h *hub.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.SessionCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session count never reached %d (now %d)", want, h.SessionCount())
}

func TestHealthz(t *testing.T) {
	_, ts := startServer(t, hub.Config{}, testOptions())

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestGeoFilteredPositions(t *testing.T) {
	h, ts := startServer(t, hub.Config{}, testOptions())
	conn := dial(t, ts)
	waitForSessions(t, h, 1)

	sendFrame(t, conn, protocol.TypeGeoPositionUpdate, map[string]any{
		"maxDistance": 500,
		"position": map[string]any{
			"type":        "Point",
			"coordinates": []float64{18.0686, 59.3293}, // [lng, lat]
		},
	})

	vehicles := []transit.VehiclePosition{
		{DescriptorID: "near", Line: "4", Latitude: 59.3293 + 0.0027, Longitude: 18.0686},
		{DescriptorID: "far", Line: "4", Latitude: 59.3293 + 0.0072, Longitude: 18.0686},
	}

	// The filter update is applied asynchronously, so keep ticking until
	// a frame makes it out.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(20 * time.Millisecond):
				h.TickFeed(vehicles)
			}
		}
	}()

	typ, payload := readFrame(t, conn)
	if typ != protocol.TypeVehiclePositions {
		t.Fatalf("frame type = %q, want vehicle-positions", typ)
	}
	var p protocol.VehiclePositionsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Vehicles) != 1 || p.Vehicles[0].DescriptorID != "near" {
		t.Errorf("vehicles = %+v, want only the near one", p.Vehicles)
	}
}

func TestUnknownMessageKeepsConnection(t *testing.T) {
	h, ts := startServer(t, hub.Config{}, testOptions())
	conn := dial(t, ts)
	waitForSessions(t, h, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"no-such-thing","payload":{}}`)); err != nil {
		t.Fatal(err)
	}

	typ, payload := readFrame(t, conn)
	if typ != protocol.TypeError {
		t.Fatalf("frame type = %q, want error", typ)
	}
	var e protocol.ErrorPayload
	if err := json.Unmarshal(payload, &e); err != nil {
		t.Fatal(err)
	}
	if e.ErrorType != protocol.ErrUnknownMessage {
		t.Errorf("errorType = %q, want %q", e.ErrorType, protocol.ErrUnknownMessage)
	}

	// The connection must survive and keep serving requests.
	sendFrame(t, conn, protocol.TypeGetPassengerInfo, map[string]any{"descriptorId": "bus-1"})
	typ, _ = readFrame(t, conn)
	if typ != protocol.TypePassengerInfo {
		t.Errorf("frame after bad message = %q, want passenger-info", typ)
	}
}

func TestInvalidGeoPositionRejected(t *testing.T) {
	h, ts := startServer(t, hub.Config{}, testOptions())
	conn := dial(t, ts)
	waitForSessions(t, h, 1)

	sendFrame(t, conn, protocol.TypeGeoPositionUpdate, map[string]any{
		"maxDistance": -1,
		"position":    map[string]any{"type": "Point", "coordinates": []float64{18.07, 59.33}},
	})

	typ, payload := readFrame(t, conn)
	if typ != protocol.TypeError {
		t.Fatalf("frame type = %q, want error", typ)
	}
	var e protocol.ErrorPayload
	if err := json.Unmarshal(payload, &e); err != nil {
		t.Fatal(err)
	}
	if e.ErrorType != protocol.ErrBadData {
		t.Errorf("errorType = %q, want %q", e.ErrorType, protocol.ErrBadData)
	}
}

func TestReserveSeatOverWire(t *testing.T) {
	// MinCapacity 1 with MaxCapacity 2 pins every vehicle to exactly one
	// seat, and MaxSeedOccupancy 0 starts it empty.
	cfg := hub.Config{MinCapacity: 1, MaxCapacity: 2, MaxSeedOccupancy: 0}
	h, ts := startServer(t, cfg, testOptions())

	connA := dial(t, ts)
	connB := dial(t, ts)
	waitForSessions(t, h, 2)

	decodePassenger := func(conn *websocket.Conn) protocol.PassengerInfoPayload {
		typ, payload := readFrame(t, conn)
		if typ != protocol.TypePassengerInfo {
			t.Fatalf("frame type = %q, want passenger-info", typ)
		}
		var p protocol.PassengerInfoPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			t.Fatal(err)
		}
		return p
	}

	sendFrame(t, connA, protocol.TypeGetPassengerInfo, map[string]any{"descriptorId": "bus-1"})
	if p := decodePassenger(connA); p.Capacity != 1 || p.Passengers != 0 {
		t.Fatalf("initial occupancy = %+v, want capacity 1 passengers 0", p)
	}
	sendFrame(t, connB, protocol.TypeGetPassengerInfo, map[string]any{"descriptorId": "bus-1"})
	if p := decodePassenger(connB); p.Passengers != 0 {
		t.Fatalf("b sees passengers = %d, want 0", p.Passengers)
	}

	// A takes the only seat; both watchers get the update.
	sendFrame(t, connA, protocol.TypeReserveSeat, map[string]any{"descriptorId": "bus-1"})
	if p := decodePassenger(connA); p.Passengers != 1 {
		t.Errorf("a sees passengers = %d, want 1", p.Passengers)
	}
	if p := decodePassenger(connB); p.Passengers != 1 {
		t.Errorf("b sees passengers = %d, want 1", p.Passengers)
	}

	// B is turned away from the full vehicle.
	sendFrame(t, connB, protocol.TypeReserveSeat, map[string]any{"descriptorId": "bus-1"})
	typ, payload := readFrame(t, connB)
	if typ != protocol.TypeError {
		t.Fatalf("frame type = %q, want error", typ)
	}
	var e protocol.ErrorPayload
	if err := json.Unmarshal(payload, &e); err != nil {
		t.Fatal(err)
	}
	if e.ErrorType != protocol.ErrReserve {
		t.Errorf("errorType = %q, want %q", e.ErrorType, protocol.ErrReserve)
	}

	// A releases; the seat frees up for B.
	sendFrame(t, connA, protocol.TypeUnreserveSeat, nil)
	if p := decodePassenger(connA); p.Passengers != 0 {
		t.Errorf("a sees passengers = %d after release, want 0", p.Passengers)
	}
	if p := decodePassenger(connB); p.Passengers != 0 {
		t.Errorf("b sees passengers = %d after release, want 0", p.Passengers)
	}
}

func TestDisconnectReleasesSeatOverWire(t *testing.T) {
	cfg := hub.Config{MinCapacity: 1, MaxCapacity: 2, MaxSeedOccupancy: 0}
	h, ts := startServer(t, cfg, testOptions())

	connA := dial(t, ts)
	connB := dial(t, ts)
	waitForSessions(t, h, 2)

	sendFrame(t, connB, protocol.TypeGetPassengerInfo, map[string]any{"descriptorId": "bus-1"})
	if typ, _ := readFrame(t, connB); typ != protocol.TypePassengerInfo {
		t.Fatalf("frame type = %q, want passenger-info", typ)
	}

	sendFrame(t, connA, protocol.TypeReserveSeat, map[string]any{"descriptorId": "bus-1"})
	typ, payload := readFrame(t, connB)
	if typ != protocol.TypePassengerInfo {
		t.Fatalf("frame type = %q, want passenger-info", typ)
	}
	var p protocol.PassengerInfoPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Passengers != 1 {
		t.Fatalf("passengers = %d, want 1", p.Passengers)
	}

	// A drops the connection; its seat comes back.
	connA.Close()
	typ, payload = readFrame(t, connB)
	if typ != protocol.TypePassengerInfo {
		t.Fatalf("frame type = %q, want passenger-info", typ)
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Passengers != 0 {
		t.Errorf("passengers after disconnect = %d, want 0", p.Passengers)
	}
}

func TestIdleConnectionTimesOut(t *testing.T) {
	opts := testOptions()
	opts.PingInterval = 50 * time.Millisecond
	opts.PongTimeout = 150 * time.Millisecond
	h, ts := startServer(t, hub.Config{}, opts)

	// Never read from the connection, so the client never answers pings.
	dial(t, ts)
	waitForSessions(t, h, 1)
	waitForSessions(t, h, 0)
}

func TestMaxSessions(t *testing.T) {
	opts := testOptions()
	opts.MaxSessions = 1
	h, ts := startServer(t, hub.Config{}, opts)

	dial(t, ts)
	waitForSessions(t, h, 1)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("second dial should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("second dial response = %+v, want 503", resp)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name           string
		allowedOrigins []string
		origin         string
		host           string
		want           bool
	}{
		{"NoOriginHeader", nil, "", "example.com", true},
		{"SameHost", nil, "http://example.com", "example.com", true},
		{"Localhost", nil, "http://localhost:3000", "example.com", true},
		{"Loopback", nil, "http://127.0.0.1:5173", "example.com", true},
		{"CrossOrigin", nil, "https://evil.example", "example.com", false},
		{"Garbage", nil, "://not a url", "example.com", false},
		{"AllowlistedExact", []string{"https://app.example.com"}, "https://app.example.com", "api.example.com", true},
		{"AllowlistedHost", []string{"https://app.example.com"}, "http://app.example.com", "api.example.com", true},
		{"NotAllowlisted", []string{"https://app.example.com"}, "https://other.example.com", "api.example.com", false},
		{"AllowlistBlocksLocalhost", []string{"https://app.example.com"}, "http://localhost:3000", "api.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(nil, Options{AllowedOrigins: tt.allowedOrigins}, nil)
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin(origin=%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestListenAndServeShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mux := http.NewServeMux()

	errCh := make(chan error, 1)
	go func() {
		errCh <- ListenAndServe(ctx, "127.0.0.1", 0, mux)
	}()

	// Port 0 binds an ephemeral port; all we verify here is a clean exit.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("ListenAndServe returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
