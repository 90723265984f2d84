// Package observability defines the Prometheus metrics of the tunnel agent.
package observability

import (
	"net/http"
	"time"

	"github.com/jpillora/requestlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Channels currently present in the channel tables of all forwarders.
	ChannelsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtun_channels_open",
			Help: "Number of channels currently open.",
		},
	)

	// Channels confirmed to the peer.
	ChannelsOpenedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rtun_channels_opened_total",
			Help: "Total number of channels opened.",
		},
	)

	// Frames by direction (in, out) and opcode.
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtun_frames_total",
			Help: "Total number of protocol frames, labeled by direction and opcode.",
		},
		[]string{"direction", "opcode"},
	)

	// OPEN_FAULT replies by error code.
	OpenFaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtun_open_faults_total",
			Help: "Total number of rejected channel open requests, labeled by error code.",
		},
		[]string{"code"},
	)

	// Transport closes by reason (graceful, error, timeout).
	TransportClosesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtun_transport_closes_total",
			Help: "Total number of transport closes, labeled by reason.",
		},
		[]string{"reason"},
	)

	// Reflector connection attempts by result (success, failure).
	ConnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtun_connect_attempts_total",
			Help: "Total number of reflector connection attempts, labeled by result.",
		},
		[]string{"result"},
	)
)

// MustRegister registers the metrics above with the default registry.
// Call it once at startup.
func MustRegister() {
	prometheus.MustRegister(
		ChannelsOpen,
		ChannelsOpenedTotal,
		FramesTotal,
		OpenFaultsTotal,
		TransportClosesTotal,
		ConnectAttemptsTotal,
	)
}

// Handler serves the default registry, with each scrape logged.
func Handler() http.Handler {
	return requestlog.Wrap(promhttp.Handler())
}

// NewServer returns the HTTP server for the metrics endpoint on addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
