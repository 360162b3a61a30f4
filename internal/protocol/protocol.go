// Package protocol defines the JSON wire format spoken over each WebSocket
// connection. Every frame in either direction is a tagged envelope:
//
//	{"type": "<tag>", "payload": <object>}
//
// Client frames decode into a closed set of request types; unknown tags are a
// decode error, never a crash.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/transit-radar/backend/internal/transit"
)

// Client frame tags.
const (
	TypeGeoPositionUpdate = "geo-position-update"
	TypeGetRouteInfo      = "get-route-info"
	TypeGetPassengerInfo  = "get-passenger-info"
	TypeReserveSeat       = "reserve-seat"
	TypeUnreserveSeat     = "unreserve-seat"
)

// Server frame tags.
const (
	TypeError            = "error"
	TypeVehiclePositions = "vehicle-positions"
	TypePassengerInfo    = "passenger-info"
	TypeRouteInfo        = "route-info"
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ClientFrame is one decoded request from a client. The concrete types are
// GeoPositionUpdate, GetRouteInfo, GetPassengerInfo, ReserveSeat and
// UnreserveSeat; a dispatch switch over them is exhaustive.
type ClientFrame interface {
	clientFrame()
}

// GeoPositionUpdate reports the client's map position and visibility radius.
type GeoPositionUpdate struct {
	MaxDistance float64  `json:"maxDistance"`
	Position    GeoPoint `json:"position"`
}

// GeoPoint is a GeoJSON Point: coordinates are [longitude, latitude].
type GeoPoint struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// GetRouteInfo asks for the shape polyline of a line number or trip id.
type GetRouteInfo struct {
	Identifier string `json:"identifier"`
}

// GetPassengerInfo asks for the occupancy of one vehicle and subscribes the
// session to future occupancy updates for it.
type GetPassengerInfo struct {
	DescriptorID string `json:"descriptorId"`
}

// ReserveSeat reserves one seat on a vehicle.
type ReserveSeat struct {
	DescriptorID string `json:"descriptorId"`
}

// UnreserveSeat releases the session's current reservation. No payload.
type UnreserveSeat struct{}

func (GeoPositionUpdate) clientFrame() {}
func (GetRouteInfo) clientFrame()      {}
func (GetPassengerInfo) clientFrame()  {}
func (ReserveSeat) clientFrame()       {}
func (UnreserveSeat) clientFrame()     {}

// DecodeClientFrame parses one inbound text frame. An unknown tag or
// malformed payload is an error; the caller answers with an UNKNOWN_MESSAGE
// error frame and keeps the connection open.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypeGeoPositionUpdate:
		var p GeoPositionUpdate
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		return p, nil
	case TypeGetRouteInfo:
		var p GetRouteInfo
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		return p, nil
	case TypeGetPassengerInfo:
		var p GetPassengerInfo
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		return p, nil
	case TypeReserveSeat:
		var p ReserveSeat
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		return p, nil
	case TypeUnreserveSeat:
		return UnreserveSeat{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// ErrorType classifies a rejected request for the client.
type ErrorType string

const (
	ErrServerError    ErrorType = "SERVER_ERROR"
	ErrUnknownMessage ErrorType = "UNKNOWN_MESSAGE"
	ErrBadData        ErrorType = "BAD_DATA"
	ErrRouteInfo      ErrorType = "ROUTE_INFO"
	ErrPassengerInfo  ErrorType = "PASSENGER_INFO"
	ErrReserve        ErrorType = "RESERVE"
	ErrUnreserve      ErrorType = "UNRESERVE"
)

// ErrorPayload is the payload of an "error" frame.
type ErrorPayload struct {
	ErrorType    ErrorType `json:"errorType"`
	ErrorMessage string    `json:"errorMessage"`
}

// Vehicle is the wire form of one vehicle in a "vehicle-positions" frame.
type Vehicle struct {
	DescriptorID string   `json:"descriptorId"`
	TripID       string   `json:"tripId,omitempty"`
	Line         string   `json:"line,omitempty"`
	Position     Position `json:"position"`
}

// Position mirrors the GTFS-Realtime position message.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// VehiclePositionsPayload carries one filtered fan-out pass.
type VehiclePositionsPayload struct {
	Timestamp int64     `json:"timestamp"`
	Vehicles  []Vehicle `json:"vehicles"`
}

// PassengerInfoPayload is the current occupancy of one vehicle.
type PassengerInfoPayload struct {
	Capacity   int `json:"capacity"`
	Passengers int `json:"passengers"`
}

// RouteInfoPayload is an ordered route geometry.
type RouteInfoPayload struct {
	Timestamp int64               `json:"timestamp"`
	Route     []transit.RouteNode `json:"route"`
}

// VehicleFromPosition converts a domain vehicle position to its wire form.
func VehicleFromPosition(v transit.VehiclePosition) Vehicle {
	return Vehicle{
		DescriptorID: v.DescriptorID,
		TripID:       v.TripID,
		Line:         v.Line,
		Position: Position{
			Latitude:  v.Latitude,
			Longitude: v.Longitude,
		},
	}
}

func encode(msgType string, payload any) []byte {
	data, _ := json.Marshal(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload"`
	}{Type: msgType, Payload: payload})
	return data
}

// EncodeError builds an "error" frame.
func EncodeError(errType ErrorType, message string) []byte {
	return encode(TypeError, ErrorPayload{ErrorType: errType, ErrorMessage: message})
}

// EncodeVehiclePositions builds a "vehicle-positions" frame.
func EncodeVehiclePositions(timestamp int64, vehicles []Vehicle) []byte {
	return encode(TypeVehiclePositions, VehiclePositionsPayload{Timestamp: timestamp, Vehicles: vehicles})
}

// EncodePassengerInfo builds a "passenger-info" frame.
func EncodePassengerInfo(capacity, passengers int) []byte {
	return encode(TypePassengerInfo, PassengerInfoPayload{Capacity: capacity, Passengers: passengers})
}

// EncodeRouteInfo builds a "route-info" frame.
func EncodeRouteInfo(timestamp int64, route []transit.RouteNode) []byte {
	return encode(TypeRouteInfo, RouteInfoPayload{Timestamp: timestamp, Route: route})
}
