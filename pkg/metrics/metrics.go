// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-devicevault.
//
// go-devicevault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics exposes Prometheus instrumentation for go-devicevault.
// All collectors register with the default registry on import.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all vault metrics
	Namespace = "devicevault"

	// Label names
	LabelOperation = "operation"
	LabelBackend   = "backend"
	LabelStatus    = "status"
	LabelCode      = "code"
	LabelSeverity  = "severity"
	LabelNamespace = "namespace"
	LabelOutcome   = "outcome"
	LabelDetector  = "detector"
	LabelReason    = "reason"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Operation names
	OpStore        = "store"
	OpRetrieve     = "retrieve"
	OpDelete       = "delete"
	OpList         = "list"
	OpEncrypt      = "encrypt"
	OpDecrypt      = "decrypt"
	OpKeyLoad      = "key_load"
	OpAuthenticate = "authenticate"
	OpScan         = "integrity_scan"
	OpHealthCheck  = "health_check"

	// Reasons a sink record is dropped
	DropReasonRateLimited = "rate_limited"
	DropReasonBufferFull  = "buffer_full"
	DropReasonClosed      = "closed"
)

var (
	// OperationsTotal counts vault operations by type, backend and status.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of vault operations by type, backend, and status",
		},
		[]string{LabelOperation, LabelBackend, LabelStatus},
	)

	// OperationDuration tracks operation latency in seconds.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of vault operations in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{LabelOperation, LabelBackend},
	)

	// ErrorsTotal counts classified errors by code and severity.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of classified errors by code and severity",
		},
		[]string{LabelCode, LabelSeverity},
	)

	// EscalationsTotal counts frequency escalations by code.
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "escalations_total",
			Help:      "Total number of frequency escalations by error code",
		},
		[]string{LabelCode},
	)

	// DefensiveActionsTotal counts invocations of the critical-error hook.
	DefensiveActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "defensive_actions_total",
			Help:      "Total number of defensive actions by error code",
		},
		[]string{LabelCode},
	)

	// LockoutsTotal counts lockouts entered per namespace.
	LockoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "auth",
			Name:      "lockouts_total",
			Help:      "Total number of authentication lockouts by namespace",
		},
		[]string{LabelNamespace},
	)

	// PromptsTotal counts authentication prompts by outcome.
	PromptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "auth",
			Name:      "prompts_total",
			Help:      "Total number of authentication prompts by namespace and outcome",
		},
		[]string{LabelNamespace, LabelOutcome},
	)

	// PromptsInFlight tracks prompts currently awaiting the device owner.
	PromptsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "auth",
			Name:      "prompts_in_flight",
			Help:      "Number of authentication prompts in flight",
		},
	)

	// IntegrityFindingsTotal counts integrity findings by detector and
	// whether the finding marks the device compromised.
	IntegrityFindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "integrity",
			Name:      "findings_total",
			Help:      "Total number of integrity findings by detector and severity",
		},
		[]string{LabelDetector, LabelSeverity},
	)

	// SinkDroppedTotal counts analytics records dropped by reason.
	SinkDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sink",
			Name:      "dropped_total",
			Help:      "Total number of analytics records dropped by reason",
		},
		[]string{LabelReason},
	)

	// RecordsTotal tracks stored records per namespace.
	RecordsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "records_total",
			Help:      "Number of stored records by namespace",
		},
		[]string{LabelNamespace},
	)

	// BackendHealthy indicates whether a storage backend is healthy (1) or unhealthy (0).
	BackendHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "backend_healthy",
			Help:      "Indicates whether a storage backend is healthy (1) or unhealthy (0)",
		},
		[]string{LabelBackend},
	)

	// Goroutines is updated periodically by the resource collector.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// MemoryAllocBytes is updated periodically by the resource collector.
	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Current bytes of allocated heap objects",
		},
	)

	// Uptime is the process uptime in seconds.
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds since startup",
		},
	)

	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordOperation records a completed operation.
func RecordOperation(operation, backend, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, backend, status).Inc()
	OperationDuration.WithLabelValues(operation, backend).Observe(duration)
}

// RecordError records a classified error.
func RecordError(code, severity string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(code, severity).Inc()
}

// RecordEscalation records a frequency escalation for code.
func RecordEscalation(code string) {
	if !enabled.Load() {
		return
	}
	EscalationsTotal.WithLabelValues(code).Inc()
}

// RecordDefensiveAction records a critical-error hook invocation.
func RecordDefensiveAction(code string) {
	if !enabled.Load() {
		return
	}
	DefensiveActionsTotal.WithLabelValues(code).Inc()
}

// RecordLockout records a namespace entering lockout.
func RecordLockout(namespace string) {
	if !enabled.Load() {
		return
	}
	LockoutsTotal.WithLabelValues(namespace).Inc()
}

// RecordPrompt records the outcome of an authentication prompt.
func RecordPrompt(namespace, outcome string) {
	if !enabled.Load() {
		return
	}
	PromptsTotal.WithLabelValues(namespace, outcome).Inc()
}

// PromptStarted increments the in-flight prompt gauge.
func PromptStarted() {
	if !enabled.Load() {
		return
	}
	PromptsInFlight.Inc()
}

// PromptFinished decrements the in-flight prompt gauge.
func PromptFinished() {
	if !enabled.Load() {
		return
	}
	PromptsInFlight.Dec()
}

// RecordIntegrityFinding records one integrity finding.
func RecordIntegrityFinding(detector string, compromised bool) {
	if !enabled.Load() {
		return
	}
	severity := "warning"
	if compromised {
		severity = "critical"
	}
	IntegrityFindingsTotal.WithLabelValues(detector, severity).Inc()
}

// RecordSinkDrop records an analytics record dropped for reason.
func RecordSinkDrop(reason string) {
	if !enabled.Load() {
		return
	}
	SinkDroppedTotal.WithLabelValues(reason).Inc()
}

// SetRecordsTotal sets the stored record count for namespace.
func SetRecordsTotal(namespace string, count float64) {
	if !enabled.Load() {
		return
	}
	RecordsTotal.WithLabelValues(namespace).Set(count)
}

// SetBackendHealth sets the health gauge for backend.
func SetBackendHealth(backend string, healthy bool) {
	if !enabled.Load() {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	BackendHealthy.WithLabelValues(backend).Set(value)
}

// Enable turns metrics recording on.
func Enable() {
	enabled.Store(true)
}

// Disable turns metrics recording off. Collectors stay registered.
func Disable() {
	enabled.Store(false)
}

// IsEnabled reports whether metrics recording is on.
func IsEnabled() bool {
	return enabled.Load()
}
