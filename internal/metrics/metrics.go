package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "playback",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "playback",
		Name:      "active_sessions",
		Help:      "Number of currently active playback sessions.",
	})

	TransmuxSessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "transmux_sessions_total",
		Help:      "Total number of completed transmux sessions.",
	})

	TransmuxBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "transmux_bytes_total",
		Help:      "Total transmuxed media bytes produced, by media type.",
	}, []string{"type"})

	TransmuxResetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "transmux_resets_total",
		Help:      "Total number of transmux engine resets.",
	})

	TransmuxQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "playback",
		Name:      "transmux_queue_depth",
		Help:      "Actions currently queued behind the in-flight transmux unit.",
	})

	BufferAppendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "buffer_appends_total",
		Help:      "Total native buffer appends, by media type.",
	}, []string{"type"})

	BufferRemovesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "buffer_removes_total",
		Help:      "Total logical buffer remove operations.",
	})

	BufferUpdateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "playback",
		Name:      "buffer_update_duration_seconds",
		Help:      "Duration of aggregated logical buffer updates in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	GapSkipsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "gap_skips_total",
		Help:      "Total number of start-of-stream and mid-stream gap skips.",
	})

	VideoUnderflowTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "video_underflow_total",
		Help:      "Total number of video decoder underflow corrections.",
	})

	CorrectiveSeeksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "corrective_seeks_total",
		Help:      "Total corrective seeks issued by the playback watcher, by reason.",
	}, []string{"reason"})

	StalledAppendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "stalled_appends_total",
		Help:      "Total appends that did not grow the buffer, by loader type.",
	}, []string{"loader"})

	RenditionsExcludedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "renditions_excluded_total",
		Help:      "Total renditions excluded for stalled downloads, by loader type.",
	}, []string{"loader"})

	StateTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "buffer_state_transitions_total",
		Help:      "Logical buffer update-aggregation state transitions.",
	}, []string{"from", "to"})

	WSClientsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "playback",
		Name:      "ws_clients_connected",
		Help:      "Number of currently connected websocket event clients.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		TransmuxSessionsTotal,
		TransmuxBytesTotal,
		TransmuxResetsTotal,
		TransmuxQueueDepth,
		BufferAppendsTotal,
		BufferRemovesTotal,
		BufferUpdateDuration,
		GapSkipsTotal,
		VideoUnderflowTotal,
		CorrectiveSeeksTotal,
		StalledAppendsTotal,
		RenditionsExcludedTotal,
		StateTransitionsTotal,
		WSClientsConnected,
	)
}
