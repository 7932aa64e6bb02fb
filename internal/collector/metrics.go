// internal/collector/metrics.go
package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 는 collector 바이너리의 Prometheus 지표.
type Metrics struct {
	Requests *prometheus.CounterVec // method, code
	Events   prometheus.Counter
}

// NewMetrics 는 reg 에 지표를 등록한다. reg 가 nil 이면 DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sp_collector",
			Name:      "requests_total",
			Help:      "Collector requests by method and response status",
		}, []string{"method", "code"}),
		Events: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sp_collector",
			Name:      "events_total",
			Help:      "Events accepted with a 200 response",
		}),
	}
}
