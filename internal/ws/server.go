package ws

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/transit-radar/backend/internal/hub"
	"github.com/transit-radar/backend/internal/metrics"
)

// Options configures the connection endpoint.
type Options struct {
	// PingInterval is how often the server probes each client.
	// PongTimeout is how long a connection may stay silent before it is
	// closed; it must exceed PingInterval so at least one missed probe is
	// tolerated.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// SendBuffer is the per-session outbound queue length.
	SendBuffer int

	// MaxSessions caps concurrent connections; 0 means unlimited.
	MaxSessions int

	AllowedOrigins []string
}

// Server upgrades HTTP requests to WebSocket sessions bound to the hub.
type Server struct {
	hub            *hub.Hub
	opts           Options
	mcol           *metrics.Collector
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func NewServer(h *hub.Hub, opts Options, mcol *metrics.Collector) *Server {
	s := &Server{
		hub:            h,
		opts:           opts,
		mcol:           mcol,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.opts.MaxSessions > 0 && s.hub.SessionCount() >= s.opts.MaxSessions {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	log.Printf("ws: client connected: %s", r.RemoteAddr)
	sess := newSession(s.hub, conn, s.opts.PingInterval, s.opts.PongTimeout, s.opts.SendBuffer, s.mcol)

	go func() {
		defer log.Printf("ws: client disconnected: %s", r.RemoteAddr)
		sess.run()
	}()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "ok")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// ListenAndServe runs the HTTP server on host:port until ctx is cancelled,
// then shuts it down gracefully.
func ListenAndServe(ctx context.Context, host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
