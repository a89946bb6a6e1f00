/*
Package metrics exposes the pusher occupancy gauges.
*/
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set holds the gauges tracking the multiplexer state.  A nil *Set is
// safe to use everywhere and records nothing.
type Set struct {
	ConnectedClients prometheus.Gauge
	Rooms            prometheus.Gauge
	Spaces           prometheus.Gauge
	SpaceStreams     prometheus.Gauge
}

func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pusher",
			Name:      "connected_clients",
			Help:      "Number of connected front sockets.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pusher",
			Name:      "rooms",
			Help:      "Number of active rooms.",
		}),
		Spaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pusher",
			Name:      "spaces",
			Help:      "Number of active spaces.",
		}),
		SpaceStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pusher",
			Name:      "space_streams",
			Help:      "Number of shared back space streams.",
		}),
	}

	reg.MustRegister(s.ConnectedClients, s.Rooms, s.Spaces, s.SpaceStreams)

	return s
}

// RoomsAdd adjusts the room gauge.  Nil-safe.
func (s *Set) RoomsAdd(delta float64) {
	if s != nil {
		s.Rooms.Add(delta)
	}
}

// SpacesAdd adjusts the space gauge.  Nil-safe.
func (s *Set) SpacesAdd(delta float64) {
	if s != nil {
		s.Spaces.Add(delta)
	}
}

// SpaceStreamsAdd adjusts the shared stream gauge.  Nil-safe.
func (s *Set) SpaceStreamsAdd(delta float64) {
	if s != nil {
		s.SpaceStreams.Add(delta)
	}
}

// ClientsAdd adjusts the connected clients gauge.  Nil-safe.
func (s *Set) ClientsAdd(delta float64) {
	if s != nil {
		s.ConnectedClients.Add(delta)
	}
}
