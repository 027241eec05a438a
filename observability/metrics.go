package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// StakingMetrics records ledger and authenticator activity for the /metrics
// endpoint.
type StakingMetrics struct {
	Operations   *prometheus.CounterVec
	AuthFailures *prometheus.CounterVec
	Latency      *prometheus.HistogramVec
	NoncesSwept  prometheus.Counter
}

var (
	stakingOnce sync.Once
	stakingReg  *StakingMetrics
)

// Staking returns the lazily-initialised metrics registry for the staking
// service.
func Staking() *StakingMetrics {
	stakingOnce.Do(func() {
		stakingReg = &StakingMetrics{
			Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakegate",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakegate",
				Subsystem: "auth",
				Name:      "failures_total",
				Help:      "Authentication failures segmented by operation.",
			}, []string{"operation"}),
			Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stakegate",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			NoncesSwept: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "stakegate",
				Subsystem: "auth",
				Name:      "nonces_swept_total",
				Help:      "Expired nonces removed by the background sweep.",
			}),
		}
		prometheus.MustRegister(
			stakingReg.Operations,
			stakingReg.AuthFailures,
			stakingReg.Latency,
			stakingReg.NoncesSwept,
		)
	})
	return stakingReg
}
