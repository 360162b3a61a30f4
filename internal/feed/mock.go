package feed

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/transit-radar/backend/internal/transit"
)

// Mock is a transit.Feed that synthesizes vehicles circling a center point.
// Used with the -mock flag to run the server without feed credentials or a
// live agency feed.
type Mock struct {
	CenterLat float64
	CenterLon float64
	Vehicles  int
	start     time.Time
}

func NewMock(centerLat, centerLon float64, vehicles int) *Mock {
	return &Mock{
		CenterLat: centerLat,
		CenterLon: centerLon,
		Vehicles:  vehicles,
		start:     time.Now(),
	}
}

func (m *Mock) FetchPositions(_ context.Context) ([]transit.VehiclePosition, error) {
	elapsed := time.Since(m.start).Seconds()
	out := make([]transit.VehiclePosition, 0, m.Vehicles)
	for i := 0; i < m.Vehicles; i++ {
		// Each vehicle moves on its own circle, one lap every ~10 minutes.
		angle := 2*math.Pi*elapsed/600 + float64(i)
		radius := 0.005 + 0.002*float64(i%5)
		out = append(out, transit.VehiclePosition{
			DescriptorID: fmtID(i),
			TripID:       fmtTrip(i),
			Line:         strconv.Itoa(1 + i%5),
			Latitude:     m.CenterLat + radius*math.Sin(angle),
			Longitude:    m.CenterLon + radius*math.Cos(angle),
		})
	}
	return out, nil
}

func fmtID(i int) string   { return "mock-bus-" + strconv.Itoa(i) }
func fmtTrip(i int) string { return "mock-trip-" + strconv.Itoa(i) }
