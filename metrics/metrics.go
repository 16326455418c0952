// Package metrics holds the Prometheus collectors shared by both the
// incoming and outgoing listener daemons.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OutgoingExpositionPort and IncomingExpositionPort are the fixed loopback
// ports each direction's daemon serves /metrics on.
const (
	OutgoingExpositionPort = 9100
	IncomingExpositionPort = 9101
)

var (
	// Connections counts accepted SMTP connections, labelled by direction
	// ("incoming" / "outgoing").
	Connections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filtermail",
		Name:      "connections_total",
		Help:      "Total number of accepted SMTP connections.",
	}, []string{"direction"})

	// Replies counts SMTP reply lines sent to clients, labelled by
	// direction and reply code.
	Replies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filtermail",
		Name:      "replies_total",
		Help:      "Total number of SMTP reply lines sent, by reply code.",
	}, []string{"direction", "code"})

	// PolicyDecisions counts accept/deny/ratelimit outcomes, labelled by
	// direction and reason.
	PolicyDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filtermail",
		Name:      "policy_decisions_total",
		Help:      "Total number of policy engine decisions, by direction and reason.",
	}, []string{"direction", "decision", "reason"})

	// RateLimitDenials counts rate limiter denials, labelled by direction.
	RateLimitDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filtermail",
		Name:      "ratelimit_denials_total",
		Help:      "Total number of rate limiter denials.",
	}, []string{"direction"})

	// ReinjectionDuration observes how long reinjection to the local MTA
	// takes, labelled by direction.
	ReinjectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "filtermail",
		Name:      "reinjection_duration_seconds",
		Help:      "Duration of the reinjection SMTP exchange with the local MTA.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"direction"})
)

// Register adds all collectors to the default Prometheus registry. It must be
// called at most once per process: a second call panics because the
// collectors are already registered. filtermail calls it once at startup.
func Register() {
	prometheus.MustRegister(Connections, Replies, PolicyDecisions, RateLimitDenials, ReinjectionDuration)
}

// Handler returns the instrumented promhttp handler serving the default
// registry's current readings in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}),
	)
}

// Serve starts a /metrics HTTP listener on 127.0.0.1:port in the
// background. It logs and returns if the listener itself fails to bind;
// a failure to serve individual requests afterwards is not fatal to the
// calling daemon.
func Serve(port int, onListenError func(error)) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	go func() {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		if err := http.ListenAndServe(addr, mux); err != nil {
			onListenError(err)
		}
	}()
}
