package security

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts protocol level anomalies and session outcomes. One
// instance is shared by all engines registered on the same registry.
type Metrics struct {
	crcFailures      prometheus.Counter
	zrtpRateLimited  prometheus.Counter
	srtpAuthFailures prometheus.Counter
	droppedEvents    prometheus.Counter
	securedSessions  prometheus.Counter
	failedSessions   prometheus.Counter
}

// NewMetrics creates the counters on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		crcFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "securemedia_zrtp_crc_failures_total",
			Help: "ZRTP packets dropped because of a CRC mismatch",
		}),
		zrtpRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "securemedia_zrtp_rate_limited_total",
			Help: "Inbound ZRTP packets dropped by the rate limiter",
		}),
		srtpAuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "securemedia_srtp_auth_failures_total",
			Help: "Inbound SRTP packets that failed authentication or replay checks",
		}),
		droppedEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "securemedia_security_events_dropped_total",
			Help: "Security events dropped because the consumer fell behind",
		}),
		securedSessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "securemedia_sessions_secured_total",
			Help: "Media streams that reached the secure state",
		}),
		failedSessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "securemedia_sessions_failed_total",
			Help: "Media streams whose key agreement failed",
		}),
	}
}
