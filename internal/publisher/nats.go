// Package publisher mirrors enriched feed ticks to NATS for downstream
// consumers.
package publisher

import (
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/transit-radar/backend/internal/transit"
)

// natsConn is the subset of *nats.Conn the publisher uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// NATSPublisher publishes one message per vehicle per tick on
// vehicles.<line>.<descriptor> subjects.
type NATSPublisher struct {
	nc natsConn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("transit-radar"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Printf("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

type positionMessage struct {
	DescriptorID string    `json:"descriptorId"`
	TripID       string    `json:"tripId,omitempty"`
	Line         string    `json:"line,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
}

// PublishPositions implements hub.Publisher. Publish failures are logged and
// skipped; the broadcast path does not depend on the mirror.
func (p *NATSPublisher) PublishPositions(vehicles []transit.VehiclePosition) {
	now := time.Now()
	for _, v := range vehicles {
		subject := "vehicles." + subjectToken(v.Line) + "." + subjectToken(v.DescriptorID)
		b, err := json.Marshal(positionMessage{
			DescriptorID: v.DescriptorID,
			TripID:       v.TripID,
			Line:         v.Line,
			Timestamp:    now,
			Lat:          v.Latitude,
			Lon:          v.Longitude,
		})
		if err != nil {
			continue
		}
		if err := p.nc.Publish(subject, b); err != nil {
			log.Printf("nats publish %s: %v", subject, err)
		}
	}
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
