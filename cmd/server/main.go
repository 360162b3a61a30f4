package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/transit-radar/backend/internal/config"
	"github.com/transit-radar/backend/internal/feed"
	"github.com/transit-radar/backend/internal/hub"
	"github.com/transit-radar/backend/internal/metrics"
	"github.com/transit-radar/backend/internal/publisher"
	"github.com/transit-radar/backend/internal/store"
	"github.com/transit-radar/backend/internal/transit"
	"github.com/transit-radar/backend/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Use a synthetic vehicle feed (no database or feed credentials needed)")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		gtfsStore  transit.Store
		feedClient transit.Feed
	)
	if *mockMode {
		log.Println("Starting in mock mode (synthetic feed)")
		// Stockholm city center; the mock vehicles orbit it.
		feedClient = feed.NewMock(59.3293, 18.0686, 25)
	} else {
		if cfg.Feed.URL == "" {
			log.Fatal("feed.url (or FEED_URL) must be set; pass -mock to run without a live feed")
		}
		if cfg.Database.URL == "" {
			log.Fatal("database.url (or DATABASE_URL) must be set; pass -mock to run without a database")
		}

		pg, err := store.Open(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatalf("db open error: %v", err)
		}
		defer pg.Close()
		gtfsStore = pg

		feedClient = feed.NewClient(cfg.Feed.URL, cfg.Feed.APIKey)
	}

	mcol := metrics.NewCollector()

	h := hub.New(hub.Config{
		PollInterval:     cfg.Feed.PollInterval.Duration,
		MinCapacity:      cfg.Reservation.MinCapacity,
		MaxCapacity:      cfg.Reservation.MaxCapacity,
		MaxSeedOccupancy: cfg.Reservation.MaxSeedOccupancy,
	}, gtfsStore, feedClient)
	h.SetMetrics(mcol)

	if cfg.NATS.URL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATS.URL)
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
		h.SetPublisher(pub)
	}

	go h.Run(ctx)

	if cfg.Server.MetricsAddr != "" {
		srv := mcol.Serve(cfg.Server.MetricsAddr)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	server := ws.NewServer(h, ws.Options{
		PingInterval:   cfg.Session.PingInterval.Duration,
		PongTimeout:    cfg.Session.PongTimeout.Duration,
		SendBuffer:     cfg.Session.SendBuffer,
		MaxSessions:    cfg.Server.MaxSessions,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, mcol)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	if err := ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("shutdown complete")
}
