package observer

import (
	"context"

	"wisefido-vitals/internal/distributor"
	"wisefido-vitals/internal/models"
	"wisefido-vitals/internal/source"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "vitals"

// MetricsObserver Prometheus 指标
type MetricsObserver struct {
	readings  *prometheus.CounterVec
	heartRate prometheus.Gauge
	spo2      prometheus.Gauge
	anomalous prometheus.Gauge
}

// NewMetricsObserver 创建并注册指标
func NewMetricsObserver(reg prometheus.Registerer) (*MetricsObserver, error) {
	m := &MetricsObserver{
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "readings_total",
			Help:      "Number of readings observed, by anomaly kind.",
		}, []string{"kind"}),
		heartRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "heart_rate_bpm",
			Help:      "Heart rate of the latest reading.",
		}),
		spo2: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "spo2_percent",
			Help:      "SpO2 of the latest reading.",
		}),
		anomalous: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "anomalous",
			Help:      "1 if the latest reading is anomalous, 0 otherwise.",
		}),
	}
	for _, c := range []prometheus.Collector{m.readings, m.heartRate, m.spo2, m.anomalous} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MetricsObserver) Name() string { return "metrics" }

func (m *MetricsObserver) Observe(_ context.Context, r models.Reading) error {
	kind := r.AnomalyKind.String()
	if kind == "" {
		kind = "none"
	}
	m.readings.WithLabelValues(kind).Inc()
	m.heartRate.Set(float64(r.HeartRate))
	m.spo2.Set(float64(r.SpO2))
	if r.IsAnomalous {
		m.anomalous.Set(1)
	} else {
		m.anomalous.Set(0)
	}
	return nil
}

// RegisterLiveStats 注册 MQTT 数据源的收发统计
func RegisterLiveStats(reg prometheus.Registerer, stats func() source.LiveStats) error {
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "live",
			Name:      "messages_received_total",
			Help:      "MQTT messages received on the vitals topic.",
		}, func() float64 { return float64(stats().Received) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "live",
			Name:      "messages_delivered_total",
			Help:      "MQTT messages decoded and delivered as readings.",
		}, func() float64 { return float64(stats().Delivered) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "live",
			Name:      "messages_dropped_total",
			Help:      "Malformed MQTT messages dropped.",
		}, func() float64 { return float64(stats().Dropped) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterDistributorStats 注册分发统计
func RegisterDistributorStats(reg prometheus.Registerer, d *distributor.Distributor) error {
	published := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "distributor",
		Name:      "published_total",
		Help:      "Readings published by the distributor.",
	}, func() float64 { return float64(d.Stats().Published) })
	dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "distributor",
		Name:      "dropped_total",
		Help:      "Readings skipped because an observer mailbox was full.",
	}, func() float64 {
		var n uint64
		for _, s := range d.Stats().Subscribers {
			n += s.Dropped
		}
		return float64(n)
	})
	if err := reg.Register(published); err != nil {
		return err
	}
	return reg.Register(dropped)
}
