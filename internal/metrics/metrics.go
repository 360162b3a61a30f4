// Package metrics exposes the server's Prometheus instrumentation.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	SessionsConnected prometheus.Gauge
	FramesIn          *prometheus.CounterVec // label: type
	FramesOut         prometheus.Counter
	DecodeErrors      prometheus.Counter

	FeedFetchDuration prometheus.Histogram
	FeedFetchErrors   prometheus.Counter
	FeedVehicles      prometheus.Gauge

	LedgerEntries        prometheus.Gauge
	ReservationsMade     prometheus.Counter
	ReservationsReleased prometheus.Counter
	ReservationsDenied   prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		SessionsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radar_sessions_connected",
			Help: "Number of currently connected WebSocket sessions.",
		}),
		FramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_frames_in_total",
			Help: "Total decoded client frames by message type.",
		}, []string{"type"}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_frames_out_total",
			Help: "Total frames pushed to sessions.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_decode_errors_total",
			Help: "Total client frames that failed to decode.",
		}),
		FeedFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "radar_feed_fetch_duration_seconds",
			Help:    "Duration of realtime feed fetch and enrichment.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		FeedFetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_feed_fetch_errors_total",
			Help: "Total failed feed ticks.",
		}),
		FeedVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radar_feed_vehicles",
			Help: "Vehicles with a trip association in the last feed tick.",
		}),
		LedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radar_ledger_entries",
			Help: "Number of vehicles with a reservation ledger entry.",
		}),
		ReservationsMade: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_reservations_made_total",
			Help: "Total successful seat reservations.",
		}),
		ReservationsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_reservations_released_total",
			Help: "Total released seat reservations (unreserve or disconnect).",
		}),
		ReservationsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_reservations_denied_total",
			Help: "Total reservations denied because the vehicle was full.",
		}),
	}

	reg.MustRegister(
		c.SessionsConnected,
		c.FramesIn,
		c.FramesOut,
		c.DecodeErrors,
		c.FeedFetchDuration,
		c.FeedFetchErrors,
		c.FeedVehicles,
		c.LedgerEntries,
		c.ReservationsMade,
		c.ReservationsReleased,
		c.ReservationsDenied,
	)

	return c
}

// Serve starts an HTTP server exposing /metrics on addr. The caller shuts it
// down via the returned server.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	return srv
}
