// Package feed fetches and decodes a GTFS-Realtime vehicle positions feed.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/transit-radar/backend/internal/transit"
)

// Client implements transit.Feed over HTTP + protobuf.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a feed client. apiKey may be empty for feeds that do not
// require one.
func NewClient(url, apiKey string) *Client {
	return &Client{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// FetchPositions downloads the feed and normalizes it into domain records.
// Entities without a vehicle, descriptor id or position are skipped.
func (c *Client) FetchPositions(ctx context.Context) ([]transit.VehiclePosition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, c.url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var fm gtfsrt.FeedMessage
	if err := proto.Unmarshal(body, &fm); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}

	return Normalize(&fm), nil
}

// Normalize converts a decoded feed message into domain vehicle positions.
func Normalize(fm *gtfsrt.FeedMessage) []transit.VehiclePosition {
	var out []transit.VehiclePosition
	for _, e := range fm.Entity {
		v := e.Vehicle
		if v == nil || v.Vehicle == nil || v.Vehicle.Id == nil || v.Position == nil {
			continue
		}
		vp := transit.VehiclePosition{
			DescriptorID: v.Vehicle.GetId(),
			Latitude:     float64(v.Position.GetLatitude()),
			Longitude:    float64(v.Position.GetLongitude()),
		}
		if v.Trip != nil {
			vp.TripID = v.Trip.GetTripId()
		}
		out = append(out, vp)
	}
	return out
}
