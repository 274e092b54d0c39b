// Package metrics exposes Prometheus collectors for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay bundles the relay's collectors so tests can hold an unregistered
// instance. Register once per process.
type Relay struct {
	Connections prometheus.Counter
	Events      *prometheus.CounterVec
	liveRooms   prometheus.GaugeFunc
}

func NewRelay(liveRooms func() float64) *Relay {
	return &Relay{
		Connections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "WebSocket connections accepted.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Inbound client events by type.",
		}, []string{"type"}),
		liveRooms: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_rooms",
			Help: "Rooms currently tracked.",
		}, liveRooms),
	}
}

func (r *Relay) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(r.Connections, r.Events, r.liveRooms)
}

// Handler serves the default registry at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
