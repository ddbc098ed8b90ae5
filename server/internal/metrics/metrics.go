package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/asiaops/asia/pkg/types"
)

// kpiFields are the KPIRecord fields exported as asia_kpi_value.
var kpiFields = []string{"mean_value", "std_dev", "max_value", "trend_slope"}

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	RunsTotal        *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram
	SeverityTotal    *prometheus.CounterVec
	KPIValue         *prometheus.GaugeVec
}

// New creates the pipeline collectors plus the Go runtime and process
// collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asia_runs_total",
			Help: "Analysis runs finished, by final status",
		}, []string{"status"}),
		AnalysisDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "asia_analysis_duration_seconds",
			Help:    "Wall time of one upload analysis, from blob write to stored diagnosis",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		SeverityTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asia_diagnosis_severity_total",
			Help: "Diagnoses produced, by severity",
		}, []string{"severity"}),
		KPIValue: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "asia_kpi_value",
			Help: "KPI values of the most recent completed run",
		}, []string{"signal", "field"}),
	}
}

// ObserveRun records one finished analysis.
func (m *Metrics) ObserveRun(status string, elapsed time.Duration) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.AnalysisDuration.Observe(elapsed.Seconds())
}

// ObserveCompleted records the severity and KPI values of a completed run.
// Fields the run has no value for are removed from the gauge.
func (m *Metrics) ObserveCompleted(view *types.RunView) {
	if view == nil {
		return
	}
	if view.AnomalyResult != nil {
		m.SeverityTotal.WithLabelValues(view.AnomalyResult.Severity).Inc()
	}
	for _, s := range view.Signals {
		for _, field := range kpiFields {
			if v, ok := s.Field(field); ok {
				m.KPIValue.WithLabelValues(s.SignalName, field).Set(v)
			} else {
				m.KPIValue.DeleteLabelValues(s.SignalName, field)
			}
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{
		Registry:      m.reg,
		ErrorHandling: promhttp.ContinueOnError,
	})
}
