package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "carelink_build_info",
			Help: "CareLink build information.",
		},
		[]string{"service", "version"},
	)
)

// InitBuildInfo registers build_info once and sets the gauge for this binary.
func InitBuildInfo(service, version string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(service, version).Set(1)
}

var (
	readyOnce sync.Once

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "carelink_ready",
		Help: "1 when the last readiness check passed.",
	})
)

// SetReady records the outcome of the latest readiness check.
func SetReady(ok bool) {
	readyOnce.Do(func() {
		prometheus.MustRegister(readyGauge)
	})
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}
