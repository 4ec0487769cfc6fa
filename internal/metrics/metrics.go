// Package metrics exposes the relay's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UploadsTotal counts upload attempts by outcome: stored, rejected,
	// duplicate, rate_limited, error.
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_uploads_total",
			Help: "Total number of upload requests by outcome",
		},
		[]string{"outcome"},
	)

	// PollsTotal counts HTTP poll requests.
	PollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_polls_total",
		Help: "Total number of poll requests",
	})

	// MessagesAcked counts messages actually deleted by acknowledgment,
	// over both the HTTP and WebSocket paths.
	MessagesAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_acked_total",
		Help: "Total number of messages deleted by acknowledgment",
	})

	// MessagesPushed counts envelopes delivered over WebSocket sessions,
	// including redeliveries of un-acked messages.
	MessagesPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_pushed_total",
		Help: "Total number of envelopes pushed over WebSocket sessions",
	})

	// WsSessions tracks currently open push sessions.
	WsSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_ws_sessions",
		Help: "Number of currently open WebSocket push sessions",
	})
)
