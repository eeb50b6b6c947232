// Package telemetry wires the ambient logging and metrics stack that
// every interface in this module reports through: a tiny structured
// logger (the teacher's codebase logs via the standard library's log
// package throughout, so this keeps that idiom rather than introducing
// a third-party logging framework the pack never shows) and a set of
// Prometheus collectors for the quantities spec.md's testable
// properties talk about (ring occupancy, credit exhaustion, grant-pool
// exhaustion, RX/TX throughput).
package telemetry

import (
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Logger is the structured logger used across every package in this
// module. It wraps the standard library's log.Logger with a component
// tag, matching the "log.Printf" idiom the teacher repo uses
// throughout its server and disruptor code.
type Logger struct {
	component string
	base      *log.Logger
}

// NewLogger creates a Logger tagged with component, writing to stderr.
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		base:      log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *Logger) Infof(format string, args ...any) {
	l.base.Printf("INFO  ["+l.component+"] "+format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.base.Printf("WARN  ["+l.component+"] "+format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.base.Printf("ERROR ["+l.component+"] "+format, args...)
}

// Metrics is the set of Prometheus collectors shared across the split
// driver's components. A single instance is constructed by main and
// threaded through to whichever components need it; nothing registers
// against prometheus.DefaultRegisterer implicitly, so the same process
// can run multiple independent Metrics instances in tests.
type Metrics struct {
	Registry *prometheus.Registry

	RingOccupancy     *prometheus.GaugeVec
	RingNotifications *prometheus.CounterVec
	GrantPoolInUse     *prometheus.GaugeVec
	GrantPoolExhausted *prometheus.CounterVec
	CreditDeferred     *prometheus.CounterVec
	CreditBytesSent    *prometheus.CounterVec
	TXPackets          *prometheus.CounterVec
	RXPackets          *prometheus.CounterVec
	BlockRequests      *prometheus.CounterVec
	InterfaceState     *prometheus.GaugeVec
}

// NewMetrics creates a fresh Metrics instance registered against its
// own registry (never the global default, so multiple interfaces or
// test processes never collide on collector names).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RingOccupancy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "splitio",
			Name:      "ring_outstanding",
			Help:      "Requests outstanding (produced, not yet responded to) per ring.",
		}, []string{"interface", "direction"}),
		RingNotifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "splitio",
			Name:      "ring_notifications_total",
			Help:      "Event-channel notifications raised per ring.",
		}, []string{"interface", "direction"}),
		GrantPoolInUse: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "splitio",
			Name:      "grant_pool_in_use",
			Help:      "Grant references currently claimed from a pool.",
		}, []string{"interface", "pool"}),
		GrantPoolExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "splitio",
			Name:      "grant_pool_exhausted_total",
			Help:      "Claim attempts that failed because the grant pool was empty.",
		}, []string{"interface", "pool"}),
		CreditDeferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "splitio",
			Name:      "netback_credit_deferred_total",
			Help:      "TX packets deferred by the credit shaper.",
		}, []string{"interface"}),
		CreditBytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "splitio",
			Name:      "netback_credit_bytes_sent_total",
			Help:      "Bytes admitted by the credit shaper.",
		}, []string{"interface"}),
		TXPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "splitio",
			Name:      "netback_tx_packets_total",
			Help:      "Packets delivered to the host network stack.",
		}, []string{"interface", "status"}),
		RXPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "splitio",
			Name:      "netback_rx_packets_total",
			Help:      "Packets page-flipped to a guest interface.",
		}, []string{"interface", "status"}),
		BlockRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "splitio",
			Name:      "blockfront_requests_total",
			Help:      "Block requests completed, by op and status.",
		}, []string{"interface", "op", "status"}),
		InterfaceState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "splitio",
			Name:      "interface_state",
			Help:      "Current ifstate.State of an interface (enum value).",
		}, []string{"interface"}),
	}
}
