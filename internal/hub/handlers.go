package hub

import (
	"fmt"
	"log"
	"time"

	"github.com/transit-radar/backend/internal/geo"
	"github.com/transit-radar/backend/internal/protocol"
	"github.com/transit-radar/backend/internal/transit"
)

func (h *Hub) dispatch(m message) {
	switch msg := m.(type) {
	case connectMsg:
		h.handleConnect(msg)
	case disconnectMsg:
		h.handleDisconnect(msg.id)
	case updateFilterMsg:
		h.handleUpdateFilter(msg)
	case routeInfoMsg:
		h.handleRouteInfo(msg)
	case passengerInfoMsg:
		h.handlePassengerInfo(msg)
	case reserveMsg:
		h.handleReserve(msg)
	case unreserveMsg:
		h.handleUnreserve(msg)
	case tickMsg:
		h.handleTick(msg.vehicles)
	case deliverMsg:
		h.handleDeliver(msg)
	case countMsg:
		msg.reply <- len(h.sessions)
	}

	h.sweepSlow()
}

func (h *Hub) handleConnect(msg connectMsg) {
	h.sessions[msg.id] = &sessionState{id: msg.id, out: msg.out}
	if h.mcol != nil {
		h.mcol.SessionsConnected.Set(float64(len(h.sessions)))
	}
	log.Printf("hub: session %s connected (%d total)", msg.id, len(h.sessions))
}

func (h *Hub) handleDisconnect(id string) {
	s, ok := h.sessions[id]
	if !ok {
		return
	}
	if s.reservedSeat != "" {
		h.releaseSeat(s.reservedSeat)
	}
	delete(h.sessions, id)
	s.out.Close()
	if h.mcol != nil {
		h.mcol.SessionsConnected.Set(float64(len(h.sessions)))
	}
	log.Printf("hub: session %s disconnected (%d total)", id, len(h.sessions))
}

func (h *Hub) handleUpdateFilter(msg updateFilterMsg) {
	s, ok := h.sessions[msg.id]
	if !ok {
		return
	}
	c := msg.criterion
	s.filter = &c
}

func (h *Hub) handleRouteInfo(msg routeInfoMsg) {
	s, ok := h.sessions[msg.id]
	if !ok {
		return
	}
	if msg.identifier == "" {
		h.push(s, protocol.EncodeError(protocol.ErrBadData, "identifier must not be empty"))
		return
	}

	// Store lookups are slow; run them detached and re-enter the loop with
	// the finished frame. handleDeliver re-checks the session still exists.
	go func() {
		frame := h.resolveRoute(msg.identifier)
		h.enqueue(deliverMsg{id: msg.id, frame: frame})
	}()
}

// resolveRoute runs outside the hub loop. It only reads the store.
func (h *Hub) resolveRoute(identifier string) []byte {
	if h.store == nil {
		return protocol.EncodeError(protocol.ErrServerError, "route data is not available")
	}
	ctx := h.ctx

	var routeID string
	if len(identifier) <= 3 {
		// Short identifiers are line numbers.
		route, err := h.store.GetRouteByShortName(ctx, identifier)
		if err != nil {
			log.Printf("hub: route lookup %q: %v", identifier, err)
			return protocol.EncodeError(protocol.ErrServerError, "unable to retrieve data")
		}
		if route == nil {
			return protocol.EncodeError(protocol.ErrRouteInfo,
				fmt.Sprintf("'%s' is not a valid line number", identifier))
		}
		routeID = route.RouteID
	}

	trip, err := h.store.GetTripByRouteOrID(ctx, routeID, identifier)
	if err != nil {
		log.Printf("hub: trip lookup %q: %v", identifier, err)
		return protocol.EncodeError(protocol.ErrServerError, "unable to retrieve data")
	}
	if trip == nil {
		return protocol.EncodeError(protocol.ErrRouteInfo,
			fmt.Sprintf("no trip found for '%s'", identifier))
	}

	nodes, err := h.store.GetShapeNodes(ctx, trip.ShapeID)
	if err != nil {
		log.Printf("hub: shape lookup %q: %v", trip.ShapeID, err)
		return protocol.EncodeError(protocol.ErrServerError, "unable to retrieve data")
	}
	if len(nodes) == 0 {
		return protocol.EncodeError(protocol.ErrRouteInfo,
			fmt.Sprintf("no route geometry for '%s'", identifier))
	}

	return protocol.EncodeRouteInfo(time.Now().Unix(), nodes)
}

func (h *Hub) handleDeliver(msg deliverMsg) {
	s, ok := h.sessions[msg.id]
	if !ok {
		// Session disconnected while the lookup was in flight.
		return
	}
	h.push(s, msg.frame)
}

func (h *Hub) handlePassengerInfo(msg passengerInfoMsg) {
	s, ok := h.sessions[msg.id]
	if !ok {
		return
	}
	if msg.descriptor == "" {
		h.push(s, protocol.EncodeError(protocol.ErrBadData, "descriptorId must not be empty"))
		return
	}

	entry := h.ensureEntry(msg.descriptor)
	s.lastDescriptor = msg.descriptor
	h.push(s, protocol.EncodePassengerInfo(entry.capacity, entry.occupied))
}

// ensureEntry lazily creates the ledger entry for a vehicle. Capacity and
// the seeded occupancy are drawn once and never re-randomized.
func (h *Hub) ensureEntry(descriptor string) *reservation {
	if entry, ok := h.ledger[descriptor]; ok {
		return entry
	}
	capacity := h.cfg.MinCapacity
	if h.cfg.MaxCapacity > h.cfg.MinCapacity {
		capacity += h.rng.Intn(h.cfg.MaxCapacity - h.cfg.MinCapacity)
	}
	occupied := 0
	if h.cfg.MaxSeedOccupancy > 0 {
		occupied = h.rng.Intn(h.cfg.MaxSeedOccupancy)
	}
	if occupied >= capacity {
		occupied = capacity - 1
	}
	if occupied < 0 {
		occupied = 0
	}
	entry := &reservation{capacity: capacity, occupied: occupied}
	h.ledger[descriptor] = entry
	if h.mcol != nil {
		h.mcol.LedgerEntries.Set(float64(len(h.ledger)))
	}
	return entry
}

func (h *Hub) handleReserve(msg reserveMsg) {
	s, ok := h.sessions[msg.id]
	if !ok {
		return
	}
	entry, ok := h.ledger[msg.descriptor]
	if !ok {
		h.push(s, protocol.EncodeError(protocol.ErrReserve,
			fmt.Sprintf("a vehicle with descriptor id '%s' does not exist", msg.descriptor)))
		return
	}
	if s.reservedSeat != "" {
		h.push(s, protocol.EncodeError(protocol.ErrReserve,
			"session already holds a reservation"))
		return
	}
	if entry.occupied >= entry.capacity {
		if h.mcol != nil {
			h.mcol.ReservationsDenied.Inc()
		}
		h.push(s, protocol.EncodeError(protocol.ErrReserve,
			fmt.Sprintf("the vehicle with descriptor id '%s' is full", msg.descriptor)))
		return
	}

	entry.occupied++
	s.reservedSeat = msg.descriptor
	if h.mcol != nil {
		h.mcol.ReservationsMade.Inc()
	}
	h.broadcastPassengerInfo(msg.descriptor)
}

func (h *Hub) handleUnreserve(msg unreserveMsg) {
	s, ok := h.sessions[msg.id]
	if !ok {
		return
	}
	if s.reservedSeat == "" {
		h.push(s, protocol.EncodeError(protocol.ErrUnreserve,
			"cannot unreserve since there is no active reservation"))
		return
	}
	descriptor := s.reservedSeat
	s.reservedSeat = ""
	h.releaseSeat(descriptor)
}

// releaseSeat decrements a vehicle's occupancy, never below zero, and
// notifies every session watching that vehicle.
func (h *Hub) releaseSeat(descriptor string) {
	entry, ok := h.ledger[descriptor]
	if !ok {
		return
	}
	if entry.occupied > 0 {
		entry.occupied--
	}
	if h.mcol != nil {
		h.mcol.ReservationsReleased.Inc()
	}
	h.broadcastPassengerInfo(descriptor)
}

// broadcastPassengerInfo pushes the current occupancy of a vehicle to every
// session whose last passenger-info request was for it.
func (h *Hub) broadcastPassengerInfo(descriptor string) {
	entry, ok := h.ledger[descriptor]
	if !ok {
		return
	}
	frame := protocol.EncodePassengerInfo(entry.capacity, entry.occupied)
	for _, s := range h.sessions {
		if s.lastDescriptor == descriptor {
			h.push(s, frame)
		}
	}
}

func (h *Hub) handleTick(vehicles []transit.VehiclePosition) {
	if len(vehicles) == 0 {
		return
	}
	now := time.Now().Unix()
	for _, s := range h.sessions {
		if s.filter == nil {
			continue
		}
		var visible []protocol.Vehicle
		for _, v := range vehicles {
			if geo.Visible(*s.filter, v.Latitude, v.Longitude) {
				visible = append(visible, protocol.VehicleFromPosition(v))
			}
		}
		if len(visible) == 0 {
			continue
		}
		h.push(s, protocol.EncodeVehiclePositions(now, visible))
	}
}

// push delivers a frame to one session. A full outbound buffer marks the
// session slow; it is removed after the current message finishes.
func (h *Hub) push(s *sessionState, frame []byte) {
	if s.slow {
		return
	}
	if !s.out.Send(frame) {
		log.Printf("hub: session %s cannot keep up, disconnecting", s.id)
		s.slow = true
	}
}

// sweepSlow removes sessions that failed a send during the last message.
// Removal can notify watchers, whose sends can in turn fail, so loop until
// the table is stable. Each pass removes at least one session.
func (h *Hub) sweepSlow() {
	for {
		var slow []string
		for id, s := range h.sessions {
			if s.slow {
				slow = append(slow, id)
			}
		}
		if len(slow) == 0 {
			return
		}
		for _, id := range slow {
			h.handleDisconnect(id)
		}
	}
}
