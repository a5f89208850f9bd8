package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricsEndpoint = "0.0.0.0:9090"
)

var (
	PhaseCounter        *prometheus.CounterVec
	PhaseRunTimeSummary *prometheus.SummaryVec

	RemoteCallCounter *prometheus.CounterVec

	ProvisionStepCounter *prometheus.CounterVec

	BootTransitionCounter *prometheus.CounterVec

	ArtifactCounter *prometheus.CounterVec
)

func init() {
	PhaseCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootsmith_phase_runs",
			Help: "A counter metric to measure component lifecycle phase runs by outcome",
		},
		[]string{"component", "phase", "state"},
	)

	PhaseRunTimeSummary = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "bootsmith_phase_duration_seconds",
			Help: "A summary metric to measure the time spent in each lifecycle phase",
		},
		[]string{"component", "phase"},
	)

	RemoteCallCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootsmith_remote_calls",
			Help: "A counter metric to measure remote calls per external system and outcome",
		},
		[]string{"system", "call", "outcome"},
	)

	ProvisionStepCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootsmith_provision_steps",
			Help: "A counter metric to measure provisioning engine steps - created, reused, failed",
		},
		[]string{"step", "outcome"},
	)

	BootTransitionCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootsmith_boot_transitions",
			Help: "A counter metric to measure boot configuration state machine transitions",
		},
		[]string{"transition", "state"},
	)

	ArtifactCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootsmith_artifacts_recorded",
			Help: "A counter metric to measure ledger operations by artifact kind and outcome",
		},
		[]string{"kind", "operation", "outcome"},
	)
}

// ListenAndServe exposes the metrics endpoint
func ListenAndServe() {
	endpoint := MetricsEndpoint

	go func() {
		http.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              endpoint,
			ReadHeaderTimeout: 2 * time.Second,
		}

		if err := server.ListenAndServe(); err != nil {
			log.Println(err)
		}
	}()
}
