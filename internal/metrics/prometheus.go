package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sp_emitter"

// Collector 는 Metrics 의 atomic 카운터를 Prometheus 로 노출한다.
// 카운터 자체는 Metrics 가 소유하고, scrape 시점에 값을 읽어 const metric 으로 만든다.
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(metrics.NewCollector(m))
type Collector struct {
	m     *Metrics
	descs map[string]*prometheus.Desc
}

func NewCollector(m *Metrics) *Collector {
	c := &Collector{m: m, descs: make(map[string]*prometheus.Desc)}
	for _, nv := range m.counters() {
		c.descs[nv.name] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", nv.name),
			nv.help,
			nil, nil,
		)
	}
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, nv := range c.m.counters() {
		vt := prometheus.CounterValue
		if nv.kind == gauge {
			vt = prometheus.GaugeValue
		}
		ch <- prometheus.MustNewConstMetric(c.descs[nv.name], vt, float64(nv.value))
	}
}
