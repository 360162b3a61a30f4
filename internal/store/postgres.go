// Package store implements transit.Store against a Postgres database holding
// standard GTFS static tables (routes, trips, shapes).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/transit-radar/backend/internal/transit"
)

// Postgres is a transit.Store backed by database/sql over the pgx driver.
type Postgres struct {
	db *sql.DB
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) GetRouteByShortName(ctx context.Context, shortName string) (*transit.Route, error) {
	const q = `SELECT route_id, route_short_name FROM routes WHERE route_short_name = $1 LIMIT 1`
	return p.queryRoute(ctx, q, shortName)
}

func (p *Postgres) GetRouteByID(ctx context.Context, routeID string) (*transit.Route, error) {
	const q = `SELECT route_id, route_short_name FROM routes WHERE route_id = $1 LIMIT 1`
	return p.queryRoute(ctx, q, routeID)
}

func (p *Postgres) queryRoute(ctx context.Context, q, arg string) (*transit.Route, error) {
	var r transit.Route
	err := p.db.QueryRowContext(ctx, q, arg).Scan(&r.RouteID, &r.ShortName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query route: %w", err)
	}
	return &r, nil
}

func (p *Postgres) GetTripByRouteOrID(ctx context.Context, routeID, tripID string) (*transit.Trip, error) {
	var (
		q   string
		arg string
	)
	if routeID != "" {
		q = `SELECT trip_id, route_id, COALESCE(shape_id, '') FROM trips WHERE route_id = $1 LIMIT 1`
		arg = routeID
	} else {
		q = `SELECT trip_id, route_id, COALESCE(shape_id, '') FROM trips WHERE trip_id = $1 LIMIT 1`
		arg = tripID
	}

	var t transit.Trip
	err := p.db.QueryRowContext(ctx, q, arg).Scan(&t.TripID, &t.RouteID, &t.ShapeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query trip: %w", err)
	}
	return &t, nil
}

func (p *Postgres) GetShapeNodes(ctx context.Context, shapeID string) ([]transit.RouteNode, error) {
	if shapeID == "" {
		return nil, nil
	}
	const q = `SELECT shape_pt_lat, shape_pt_lon, shape_pt_sequence
	           FROM shapes WHERE shape_id = $1 ORDER BY shape_pt_sequence`
	rows, err := p.db.QueryContext(ctx, q, shapeID)
	if err != nil {
		return nil, fmt.Errorf("query shapes: %w", err)
	}
	defer rows.Close()

	var nodes []transit.RouteNode
	for rows.Next() {
		var n transit.RouteNode
		if err := rows.Scan(&n.Lat, &n.Lng, &n.Sequence); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
