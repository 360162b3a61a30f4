// Package hub implements the session registry and broadcast coordinator.
//
// All shared state (the session table and the reservation ledger) is owned by
// a single goroutine running Hub.Run. Sessions and the feed poller never
// touch that state directly; they submit messages to the hub's inbox and the
// run loop processes them one at a time to completion. That serialization is
// what keeps reservations race-free without locks.
package hub

import (
	"context"
	"math/rand"
	"time"

	"github.com/transit-radar/backend/internal/geo"
	"github.com/transit-radar/backend/internal/metrics"
	"github.com/transit-radar/backend/internal/transit"
)

// Outbound delivers encoded frames to one connection. Send must not block:
// it returns false when the connection cannot keep up, and the hub responds
// by disconnecting the session. The hub never calls anything but Send and
// Close.
type Outbound interface {
	Send(frame []byte) bool
	Close()
}

// Publisher mirrors each enriched feed tick to an external broker. May be
// nil.
type Publisher interface {
	PublishPositions(vehicles []transit.VehiclePosition)
}

// Config holds the hub's tunables.
type Config struct {
	// PollInterval is the feed tick period.
	PollInterval time.Duration

	// Seat capacity for a vehicle is drawn once from [MinCapacity,
	// MaxCapacity) when its ledger entry is created.
	MinCapacity int
	MaxCapacity int

	// Initial occupancy is seeded from [0, MaxSeedOccupancy), clamped
	// below the drawn capacity.
	MaxSeedOccupancy int
}

type sessionState struct {
	id             string
	out            Outbound
	filter         *geo.Criterion
	lastDescriptor string
	reservedSeat   string
	slow           bool
}

type reservation struct {
	capacity int
	occupied int
}

// Hub coordinates all sessions, the reservation ledger and feed fan-out.
type Hub struct {
	inbox chan message
	done  chan struct{}

	sessions map[string]*sessionState
	ledger   map[string]*reservation

	store transit.Store
	feed  transit.Feed
	pub   Publisher
	mcol  *metrics.Collector

	cfg Config
	rng *rand.Rand

	// set by Run before the first message is processed; used by detached
	// store/feed lookups.
	ctx context.Context
}

// New creates a hub. Run must be started before any session connects.
func New(cfg Config, store transit.Store, feed transit.Feed) *Hub {
	return &Hub{
		inbox:    make(chan message, 256),
		done:     make(chan struct{}),
		sessions: make(map[string]*sessionState),
		ledger:   make(map[string]*reservation),
		store:    store,
		feed:     feed,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetPublisher configures an optional feed mirror. Must be called before Run.
func (h *Hub) SetPublisher(p Publisher) { h.pub = p }

// SetMetrics configures an optional metrics collector. Must be called before
// Run.
func (h *Hub) SetMetrics(m *metrics.Collector) { h.mcol = m }

// Run processes hub messages and drives the feed poll ticker until ctx is
// cancelled. It is the only goroutine that reads or writes hub state.
func (h *Hub) Run(ctx context.Context) {
	h.ctx = ctx

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-h.inbox:
			h.dispatch(m)
		case <-ticker.C:
			// No clients, no point in hitting the external feed.
			if len(h.sessions) == 0 {
				continue
			}
			go h.pollFeed()
		}
	}
}

// enqueue submits a message to the run loop. Safe to call after shutdown:
// once Run has returned the message is discarded.
func (h *Hub) enqueue(m message) {
	select {
	case h.inbox <- m:
	case <-h.done:
	}
}

// Connect registers a new session under the given id.
func (h *Hub) Connect(sessionID string, out Outbound) {
	h.enqueue(connectMsg{id: sessionID, out: out})
}

// Disconnect removes a session and releases any reservation it holds.
// Idempotent: disconnecting an unknown session is a no-op.
func (h *Hub) Disconnect(sessionID string) {
	h.enqueue(disconnectMsg{id: sessionID})
}

// UpdateFilter overwrites a session's position filter. Unknown sessions are
// silently ignored; the connection may have raced a disconnect.
func (h *Hub) UpdateFilter(sessionID string, c geo.Criterion) {
	h.enqueue(updateFilterMsg{id: sessionID, criterion: c})
}

// RequestRouteInfo resolves an identifier (line number or trip id) to route
// geometry and replies to the session. Store lookups run outside the hub
// loop; the reply re-enters the loop and is dropped if the session is gone.
func (h *Hub) RequestRouteInfo(sessionID, identifier string) {
	h.enqueue(routeInfoMsg{id: sessionID, identifier: identifier})
}

// RequestPassengerInfo replies with the occupancy of a vehicle, creating its
// ledger entry on first request, and subscribes the session to occupancy
// updates for it.
func (h *Hub) RequestPassengerInfo(sessionID, descriptorID string) {
	h.enqueue(passengerInfoMsg{id: sessionID, descriptor: descriptorID})
}

// ReserveSeat reserves one seat on a vehicle for the session.
func (h *Hub) ReserveSeat(sessionID, descriptorID string) {
	h.enqueue(reserveMsg{id: sessionID, descriptor: descriptorID})
}

// UnreserveSeat releases the session's current reservation.
func (h *Hub) UnreserveSeat(sessionID string) {
	h.enqueue(unreserveMsg{id: sessionID})
}

// TickFeed fans a feed snapshot out to every session with a position filter.
func (h *Hub) TickFeed(vehicles []transit.VehiclePosition) {
	h.enqueue(tickMsg{vehicles: vehicles})
}

// SessionCount reports the number of registered sessions. Returns 0 after
// shutdown.
func (h *Hub) SessionCount() int {
	reply := make(chan int, 1)
	select {
	case h.inbox <- countMsg{reply: reply}:
	case <-h.done:
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-h.done:
		return 0
	}
}
