package ws

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/transit-radar/backend/internal/geo"
	"github.com/transit-radar/backend/internal/hub"
	"github.com/transit-radar/backend/internal/metrics"
	"github.com/transit-radar/backend/internal/protocol"
)

const (
	// Time allowed to write a frame or control message to the peer.
	writeWait = 10 * time.Second

	// Maximum accepted client frame size.
	maxFrameSize = 8 << 10
)

// Session owns one WebSocket connection. It bridges wire frames to hub
// requests and relays hub-pushed frames back out. The write side is a single
// goroutine draining the send channel, so frames leave the socket in the
// order the hub issued them.
type Session struct {
	id   string
	hub  *hub.Hub
	conn *websocket.Conn
	send chan []byte

	// mu serializes Send against Close: the hub closes the session from
	// its own goroutine while the read pump may still be replying to
	// malformed frames.
	mu     sync.Mutex
	closed bool

	pingInterval time.Duration
	pongTimeout  time.Duration

	mcol *metrics.Collector
}

func newSession(h *hub.Hub, conn *websocket.Conn, pingInterval, pongTimeout time.Duration, sendBuffer int, mcol *metrics.Collector) *Session {
	return &Session{
		id:           uuid.NewString(),
		hub:          h,
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		mcol:         mcol,
	}
}

// run registers the session with the hub, starts the write pump and blocks
// in the read pump until the connection dies.
func (s *Session) run() {
	s.hub.Connect(s.id, s)
	go s.writePump()
	s.readPump()
}

// Send queues a frame for delivery. Never blocks: a full buffer or a closed
// session reports failure and the hub disconnects the session.
func (s *Session) Send(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		if s.mcol != nil {
			s.mcol.FramesOut.Inc()
		}
		return true
	default:
		return false
	}
}

// Close releases the write side. Called by the hub when the session is
// removed from the table; the read pump may still attempt sends after this,
// which report failure instead of panicking.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// readPump is the connection's liveness authority: the read deadline is
// pushed on every ping or pong from the peer, and an idle connection times
// out without client consent. All exit paths (close frame, timeout, broken
// conn) funnel through the deferred Disconnect, which is idempotent.
func (s *Session) readPump() {
	defer func() {
		s.hub.Disconnect(s.id)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})
	s.conn.SetPingHandler(func(appData string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws: session %s read error: %v", s.id, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.dispatch(data)
	}
}

// dispatch decodes one client frame and forwards the typed request to the
// hub. A frame that fails to decode gets an error reply; the connection
// stays up.
func (s *Session) dispatch(data []byte) {
	frame, err := protocol.DecodeClientFrame(data)
	if err != nil {
		if s.mcol != nil {
			s.mcol.DecodeErrors.Inc()
		}
		s.Send(protocol.EncodeError(protocol.ErrUnknownMessage, "unsupported message"))
		return
	}

	switch f := frame.(type) {
	case protocol.GeoPositionUpdate:
		s.countFrame(protocol.TypeGeoPositionUpdate)
		criterion, ok := criterionFrom(f)
		if !ok {
			s.Send(protocol.EncodeError(protocol.ErrBadData, "invalid position payload"))
			return
		}
		s.hub.UpdateFilter(s.id, criterion)
	case protocol.GetRouteInfo:
		s.countFrame(protocol.TypeGetRouteInfo)
		s.hub.RequestRouteInfo(s.id, f.Identifier)
	case protocol.GetPassengerInfo:
		s.countFrame(protocol.TypeGetPassengerInfo)
		s.hub.RequestPassengerInfo(s.id, f.DescriptorID)
	case protocol.ReserveSeat:
		s.countFrame(protocol.TypeReserveSeat)
		s.hub.ReserveSeat(s.id, f.DescriptorID)
	case protocol.UnreserveSeat:
		s.countFrame(protocol.TypeUnreserveSeat)
		s.hub.UnreserveSeat(s.id)
	}
}

func (s *Session) countFrame(msgType string) {
	if s.mcol != nil {
		s.mcol.FramesIn.WithLabelValues(msgType).Inc()
	}
}

// criterionFrom validates a position update. Coordinates are GeoJSON order:
// [longitude, latitude].
func criterionFrom(f protocol.GeoPositionUpdate) (geo.Criterion, bool) {
	if f.MaxDistance < 0 || len(f.Position.Coordinates) < 2 {
		return geo.Criterion{}, false
	}
	return geo.Criterion{
		Lon:    f.Position.Coordinates[0],
		Lat:    f.Position.Coordinates[1],
		Radius: f.MaxDistance,
	}, true
}

// writePump is the sole writer on the connection. It drains the send channel
// and probes the peer with pings every pingInterval.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			if !ok {
				// Hub removed the session; say goodbye properly.
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
