package hub

import (
	"github.com/transit-radar/backend/internal/geo"
	"github.com/transit-radar/backend/internal/transit"
)

// message is one unit of work for the run loop. Each variant is handled to
// completion before the next message is taken.
type message interface {
	hubMessage()
}

type connectMsg struct {
	id  string
	out Outbound
}

type disconnectMsg struct {
	id string
}

type updateFilterMsg struct {
	id        string
	criterion geo.Criterion
}

type routeInfoMsg struct {
	id         string
	identifier string
}

type passengerInfoMsg struct {
	id         string
	descriptor string
}

type reserveMsg struct {
	id         string
	descriptor string
}

type unreserveMsg struct {
	id string
}

type tickMsg struct {
	vehicles []transit.VehiclePosition
}

// deliverMsg carries the result of a detached store lookup back into the run
// loop so that the send never races a disconnect.
type deliverMsg struct {
	id    string
	frame []byte
}

type countMsg struct {
	reply chan int
}

func (connectMsg) hubMessage()       {}
func (disconnectMsg) hubMessage()    {}
func (updateFilterMsg) hubMessage()  {}
func (routeInfoMsg) hubMessage()     {}
func (passengerInfoMsg) hubMessage() {}
func (reserveMsg) hubMessage()       {}
func (unreserveMsg) hubMessage()     {}
func (tickMsg) hubMessage()          {}
func (deliverMsg) hubMessage()       {}
func (countMsg) hubMessage()         {}
