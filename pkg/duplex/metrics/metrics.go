// Package metrics holds the Prometheus collectors for the live voice engine
// and the language store service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tutor_live"

var (
	// framesTotal counts inbound frames by classified kind.
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound frames routed, by kind",
		},
		[]string{"kind"},
	)

	framesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped by the router",
		},
		[]string{"reason"}, // malformed, unknown
	)

	ttsReleasedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_chunks_released_total",
			Help:      "TTS chunks handed to playback",
		},
		[]string{"mode"}, // sequenced, legacy
	)

	ttsSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_chunks_skipped_total",
			Help:      "Sequence numbers resolved through an explicit skip",
		},
	)

	decodeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "TTS chunks dropped because audio decode failed",
		},
	)

	playbackInterruptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_interrupts_total",
			Help:      "Playback scheduler interruptions",
		},
		[]string{"cause"}, // utterance_start, barge_in
	)

	reconnectAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled transport reconnect attempts",
		},
	)

	connectionLostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_lost_total",
			Help:      "Sessions that gave up reconnecting",
		},
		[]string{"reason"}, // exhausted, server_closed
	)

	captureBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_bytes_sent_total",
			Help:      "Microphone bytes sent to the server",
		},
	)

	avatarQueueItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "avatar_queue_items_total",
			Help:      "Avatar delivery queue item outcomes",
		},
		[]string{"outcome"}, // enqueued, played, rejected, errored, dropped
	)

	avatarQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "avatar_queue_depth",
			Help:      "Items waiting in the avatar delivery queue",
		},
	)

	langstoreRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "langstore_requests_total",
			Help:      "Language store HTTP requests",
		},
		[]string{"op", "status"},
	)
)

var allMetrics = []prometheus.Collector{
	framesTotal,
	framesDroppedTotal,
	ttsReleasedTotal,
	ttsSkippedTotal,
	decodeFailuresTotal,
	playbackInterruptsTotal,
	reconnectAttemptsTotal,
	connectionLostTotal,
	captureBytesTotal,
	avatarQueueItemsTotal,
	avatarQueueDepth,
	langstoreRequestsTotal,
}

// NewRegistry returns a registry with every collector plus the Go runtime
// and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func RecordFrame(kind string) {
	framesTotal.WithLabelValues(kind).Inc()
}

func RecordDroppedFrame(reason string) {
	framesDroppedTotal.WithLabelValues(reason).Inc()
}

func RecordReleased(mode string) {
	ttsReleasedTotal.WithLabelValues(mode).Inc()
}

func RecordSkip() {
	ttsSkippedTotal.Inc()
}

func RecordDecodeFailure() {
	decodeFailuresTotal.Inc()
}

func RecordInterrupt(cause string) {
	playbackInterruptsTotal.WithLabelValues(cause).Inc()
}

func RecordReconnectAttempt() {
	reconnectAttemptsTotal.Inc()
}

func RecordConnectionLost(reason string) {
	connectionLostTotal.WithLabelValues(reason).Inc()
}

func RecordCaptureBytes(n int) {
	captureBytesTotal.Add(float64(n))
}

func RecordAvatarItem(outcome string) {
	avatarQueueItemsTotal.WithLabelValues(outcome).Inc()
}

func RecordAvatarItems(outcome string, n int) {
	if n > 0 {
		avatarQueueItemsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

func SetAvatarQueueDepth(n int) {
	avatarQueueDepth.Set(float64(n))
}

func RecordLangstoreRequest(op, status string) {
	langstoreRequestsTotal.WithLabelValues(op, status).Inc()
}

// Reset clears every vector collector. Tests use it for isolation.
func Reset() {
	framesTotal.Reset()
	framesDroppedTotal.Reset()
	ttsReleasedTotal.Reset()
	playbackInterruptsTotal.Reset()
	connectionLostTotal.Reset()
	avatarQueueItemsTotal.Reset()
	langstoreRequestsTotal.Reset()
	avatarQueueDepth.Set(0)
}

// The accessors below expose vector collectors to tests in other packages.
func FramesTotal() *prometheus.CounterVec { return framesTotal }

func FramesDroppedTotal() *prometheus.CounterVec { return framesDroppedTotal }

func TTSReleasedTotal() *prometheus.CounterVec { return ttsReleasedTotal }

func PlaybackInterruptsTotal() *prometheus.CounterVec { return playbackInterruptsTotal }

func LangstoreRequestsTotal() *prometheus.CounterVec { return langstoreRequestsTotal }
