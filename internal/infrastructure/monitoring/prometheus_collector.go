package monitoring

import (
	"tourstream/internal/core/domain"
	"tourstream/internal/core/services"
	rtc "tourstream/internal/infrastructure/webrtc"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exposes session and relay metrics. It satisfies
// both the orchestrator's and the relay's metric sinks.
type PrometheusCollector struct {
	sessionsJoinedTotal prometheus.Counter
	sessionsLeftTotal   prometheus.Counter
	participantsCurrent prometheus.Gauge
	errorsTotal         *prometheus.CounterVec
	signalingDropsTotal prometheus.Counter

	relayPeersCurrent  *prometheus.GaugeVec
	relayTracksCurrent *prometheus.GaugeVec
}

var (
	_ services.SessionMetrics = (*PrometheusCollector)(nil)
	_ rtc.RelayMetrics        = (*PrometheusCollector)(nil)
)

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		sessionsJoinedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tourstream_sessions_joined_total",
			Help: "Total number of room joins",
		}),

		sessionsLeftTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tourstream_sessions_left_total",
			Help: "Total number of room leaves",
		}),

		participantsCurrent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tourstream_participants_current",
			Help: "Participants currently known to the session",
		}),

		errorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tourstream_errors_total",
			Help: "Streaming errors by taxonomy code",
		}, []string{"code"}),

		signalingDropsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tourstream_signaling_drops_total",
			Help: "Unexpected signaling channel drops",
		}),

		relayPeersCurrent: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tourstream_relay_peers_current",
			Help: "Peers connected to the relay per room",
		}, []string{"room_id"}),

		relayTracksCurrent: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tourstream_relay_tracks_current",
			Help: "Tracks forwarded by the relay per kind",
		}, []string{"kind"}),
	}
}

func (p *PrometheusCollector) SessionJoined(roomID domain.RoomID) {
	p.sessionsJoinedTotal.Inc()
}

func (p *PrometheusCollector) SessionLeft(roomID domain.RoomID) {
	p.sessionsLeftTotal.Inc()
}

func (p *PrometheusCollector) ParticipantCount(n int) {
	p.participantsCurrent.Set(float64(n))
}

func (p *PrometheusCollector) ErrorRecorded(code string) {
	p.errorsTotal.WithLabelValues(code).Inc()
}

func (p *PrometheusCollector) SignalingDropped() {
	p.signalingDropsTotal.Inc()
}

func (p *PrometheusCollector) RelayPeerJoined(roomID domain.RoomID) {
	p.relayPeersCurrent.WithLabelValues(string(roomID)).Inc()
}

func (p *PrometheusCollector) RelayPeerLeft(roomID domain.RoomID) {
	p.relayPeersCurrent.WithLabelValues(string(roomID)).Dec()
}

func (p *PrometheusCollector) RelayTrackAdded(kind string) {
	p.relayTracksCurrent.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) RelayTrackRemoved(kind string) {
	p.relayTracksCurrent.WithLabelValues(kind).Dec()
}
