package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartpower",
		Subsystem: "session",
		Name:      "frames_sent_total",
		Help:      "Frames written to the device, by message kind.",
	}, []string{"kind"})

	metricFramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartpower",
		Subsystem: "session",
		Name:      "frames_received_total",
		Help:      "Frames read from the device, by message kind.",
	}, []string{"kind"})

	metricDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "smartpower",
		Subsystem: "session",
		Name:      "decode_errors_total",
		Help:      "Inbound frames that could not be decoded.",
	})

	metricReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "smartpower",
		Subsystem: "session",
		Name:      "reconnects_scheduled_total",
		Help:      "Reconnection attempts scheduled after a failure.",
	})

	metricHeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "smartpower",
		Subsystem: "session",
		Name:      "heartbeat_timeouts_total",
		Help:      "Sessions torn down because the peer stopped answering pings.",
	})

	metricSessionsReady = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "smartpower",
		Subsystem: "session",
		Name:      "ready",
		Help:      "Number of sessions currently in the ready state.",
	})

	metricDevicesFound = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "smartpower",
		Subsystem: "discovery",
		Name:      "devices_found_total",
		Help:      "Distinct devices reported by discovery.",
	})

	metricKnocksSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "smartpower",
		Subsystem: "discovery",
		Name:      "knocks_sent_total",
		Help:      "KnockKnock broadcasts sent.",
	})
)
