package hub

import (
	"log"
	"time"
)

// pollFeed runs one feed tick outside the hub loop: fetch, normalize,
// enrich, then re-enter the loop as a TickFeed message. A failed fetch skips
// the tick; the next tick retries independently.
func (h *Hub) pollFeed() {
	start := time.Now()
	vehicles, err := h.feed.FetchPositions(h.ctx)
	if h.mcol != nil {
		h.mcol.FeedFetchDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		log.Printf("hub: feed fetch failed: %v", err)
		if h.mcol != nil {
			h.mcol.FeedFetchErrors.Inc()
		}
		return
	}

	// Vehicles without a trip association are most likely not in traffic.
	kept := vehicles[:0]
	for _, v := range vehicles {
		if v.TripID != "" {
			kept = append(kept, v)
		}
	}

	// Best-effort line label enrichment. A miss or a store failure leaves
	// the label unset rather than aborting the tick.
	for i := range kept {
		if kept[i].Line != "" || h.store == nil {
			continue
		}
		trip, err := h.store.GetTripByRouteOrID(h.ctx, "", kept[i].TripID)
		if err != nil || trip == nil {
			continue
		}
		route, err := h.store.GetRouteByID(h.ctx, trip.RouteID)
		if err != nil || route == nil {
			continue
		}
		kept[i].Line = route.ShortName
	}

	if h.mcol != nil {
		h.mcol.FeedVehicles.Set(float64(len(kept)))
	}
	if h.pub != nil {
		h.pub.PublishPositions(kept)
	}

	h.TickFeed(kept)
}
