// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DigestBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jalop_digest_batches_total",
		Help: "Digest batches handed to the transport, by record type and result",
	}, []string{"record_type", "result"})

	DigestBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jalop_digest_batch_size",
		Help:    "Number of digests per flushed batch",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
	})

	DigestResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jalop_digest_responses_total",
		Help: "Per-record digest verdicts received from the peer",
	}, []string{"status"})

	RecordAnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jalop_record_anomalies_total",
		Help: "Per-record anomalies (unknown nonce, corrupt status)",
	}, []string{"reason"})

	SessionFaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jalop_session_faults_total",
		Help: "Sessions moved to the errored state",
	}, []string{"record_type"})

	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jalop_sessions_active",
		Help: "Live sessions by role",
	}, []string{"role"})

	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jalop_connection_state",
		Help: "1 for the current connection state, 0 otherwise",
	}, []string{"state"})

	TransportDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jalop_transport_drops_total",
		Help: "Messages a transport failed to deliver, by kind and reason",
	}, []string{"kind", "reason"})

	ConfigReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jalop_config_reloads_total",
		Help: "Configuration reload attempts by result",
	}, []string{"result"})
)

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// ObserveDigestBatch records one flush attempt.
func ObserveDigestBatch(recordType, result string, size int) {
	DigestBatchesTotal.WithLabelValues(orUnknown(recordType), orUnknown(result)).Inc()
	if result == "sent" {
		DigestBatchSize.Observe(float64(size))
	}
}

func IncDigestResponse(status string) {
	DigestResponsesTotal.WithLabelValues(orUnknown(status)).Inc()
}

func IncRecordAnomaly(reason string) {
	RecordAnomaliesTotal.WithLabelValues(orUnknown(reason)).Inc()
}

func IncSessionFault(recordType string) {
	SessionFaultsTotal.WithLabelValues(orUnknown(recordType)).Inc()
}

// AddSessionsActive adjusts the live-session gauge for a role.
func AddSessionsActive(role string, delta float64) {
	SessionsActive.WithLabelValues(orUnknown(role)).Add(delta)
}

// SetConnectionState flips the state gauge so exactly one label reads 1.
func SetConnectionState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

// IncTransportDrop records a message the transport did not deliver.
func IncTransportDrop(kind, reason string) {
	TransportDropsTotal.WithLabelValues(orUnknown(kind), orUnknown(reason)).Inc()
}

// IncConfigReload records a reload attempt ("success", "load_failed" or "invalid").
func IncConfigReload(result string) {
	ConfigReloadsTotal.WithLabelValues(orUnknown(result)).Inc()
}
