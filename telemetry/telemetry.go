// Package telemetry exposes Prometheus metrics for the DCGKA engine
// and its collaborators.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DCGKA metrics
	DcgkaOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupauth_dcgka_operations_total",
			Help: "Total number of DCGKA operations performed",
		},
		[]string{"scheme", "operation"}, // data/message, create/add/remove/update/ack
	)

	DcgkaProcessErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupauth_dcgka_process_errors_total",
			Help: "Total number of control messages that failed processing",
		},
		[]string{"scheme"},
	)

	// 2SM metrics
	TwoPartyRoundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupauth_two_party_rounds_total",
			Help: "Total number of 2SM send/receive rounds",
		},
		[]string{"direction"}, // send, receive
	)

	TwoPartyRoundDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "groupauth_two_party_round_duration_seconds",
			Help:    "Duration of a single 2SM seal or open",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~0.4s
		},
	)

	// Ratchet metrics
	RatchetSkippedKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "groupauth_ratchet_skipped_keys",
			Help: "Out-of-order message keys currently retained per sender ratchet",
		},
		[]string{"member_id"},
	)

	RatchetGenerations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupauth_ratchet_generations_total",
			Help: "Total ratchet steps taken",
		},
		[]string{"direction"}, // encrypt, decrypt
	)

	// Membership CRDT metrics
	ClSetMergesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groupauth_clset_merges_total",
			Help: "Total number of CL-Set state merges",
		},
	)

	GroupMembers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "groupauth_group_members",
			Help: "Active members currently in view per group",
		},
		[]string{"group_id"},
	)

	// Data-scheme secret retention
	GroupSecretsRetained = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "groupauth_group_secrets_retained",
			Help: "Group secrets retained in the secret bundle",
		},
		[]string{"group_id"},
	)

	// Storage metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupauth_storage_operations_total",
			Help: "Total storage interface calls",
		},
		[]string{"backend", "operation", "result"},
	)

	// Orderer metrics
	OrdererBufferedMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "groupauth_orderer_buffered_messages",
			Help: "Messages buffered awaiting causal readiness",
		},
	)
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve blocks serving /metrics on addr.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
