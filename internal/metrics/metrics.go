// Package metrics holds the Prometheus collectors for the inbound pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flymail_smtp_connections_total",
			Help: "Total number of SMTP connections accepted",
		},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flymail_smtp_connections_current",
			Help: "Current number of open SMTP sessions",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flymail_smtp_connections_rejected_total",
			Help: "Connections refused by the connection limiter",
		},
		[]string{"reason"},
	)
)

// Protocol metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flymail_smtp_commands_total",
			Help: "SMTP commands processed by verb and reply class",
		},
		[]string{"command", "result"},
	)

	RecipientLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flymail_recipient_lookups_total",
			Help: "Recipient resolutions by outcome",
		},
		[]string{"result"},
	)
)

// Delivery metrics
var (
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flymail_messages_total",
			Help: "Inbound messages by outcome",
		},
		[]string{"result"},
	)

	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flymail_message_size_bytes",
			Help:    "Size of accepted message payloads",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 9),
		},
	)

	AttachmentBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flymail_attachment_bytes_total",
			Help: "Attachment bytes written by storage backend",
		},
		[]string{"backend"},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flymail_delivery_duration_seconds",
			Help:    "Time to store attachments and commit one message",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)
)
