// Package transit holds the domain types shared between the feed client,
// the GTFS store and the hub, plus the collaborator interfaces the hub
// consumes.
package transit

import "context"

// VehiclePosition is one vehicle from a realtime feed tick. Instances are
// transient: they live for the duration of a single fan-out pass.
type VehiclePosition struct {
	DescriptorID string
	TripID       string
	Line         string
	Latitude     float64
	Longitude    float64
}

// Route is a GTFS route row.
type Route struct {
	RouteID   string
	ShortName string
}

// Trip is a GTFS trip row.
type Trip struct {
	TripID  string
	RouteID string
	ShapeID string
}

// RouteNode is one point of a route's shape polyline, ordered by Sequence.
type RouteNode struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Sequence int     `json:"sequence"`
}

// Store resolves GTFS static data. Implementations return (nil, nil) for a
// miss; a non-nil error always means the store itself failed.
type Store interface {
	GetRouteByShortName(ctx context.Context, shortName string) (*Route, error)
	GetRouteByID(ctx context.Context, routeID string) (*Route, error)

	// GetTripByRouteOrID looks a trip up by route id when routeID is
	// non-empty, otherwise by trip id.
	GetTripByRouteOrID(ctx context.Context, routeID, tripID string) (*Trip, error)

	GetShapeNodes(ctx context.Context, shapeID string) ([]RouteNode, error)
}

// Feed fetches the current snapshot of realtime vehicle positions.
type Feed interface {
	FetchPositions(ctx context.Context) ([]VehiclePosition, error)
}
