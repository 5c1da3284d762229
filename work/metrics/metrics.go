package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionsActive tracks the number of live relay sessions, each holding
// exactly one upstream connection regardless of viewer count.
var SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "xtream_relay_sessions_active",
	Help: "Number of active relay sessions",
})

// CursorsConnected tracks the number of clients currently attached per channel.
// This is a gauge that increases and decreases in real-time.
var CursorsConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "xtream_relay_cursors_connected",
	Help: "Number of client cursors attached",
}, []string{"channel"})

// BytesRelayed tracks the total number of bytes transferred per channel.
// The "direction" label distinguishes upstream (from the provider) and
// downstream (to clients) traffic. This metric is a counter and only increases.
var BytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "xtream_relay_bytes_relayed",
	Help: "Total bytes relayed",
}, []string{"channel", "direction"})

// StreamErrors counts stream-related errors per channel. The "error_type"
// label categorizes failures (connect, read, fatal).
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "xtream_relay_stream_errors",
	Help: "Number of stream errors",
}, []string{"channel", "error_type"})

// BufferGaps counts data-loss events where a cursor fell behind the ring
// buffer retention window and was fast-forwarded.
var BufferGaps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "xtream_relay_buffer_gaps",
	Help: "Number of cursor gap events",
}, []string{"channel"})

// Reconnects counts upstream reconnect attempts per channel.
var Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "xtream_relay_reconnects",
	Help: "Number of upstream reconnect attempts",
}, []string{"channel"})
