package metrics

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultHit    = "hit"
	ResultMiss   = "miss"
	ResultResume = "resume"
)

// Counters is owned by one run and handed to every component that counts.
type Counters struct {
	registry      *prometheus.Registry
	CacheLookups  *prometheus.CounterVec
	ExternalCalls *prometheus.CounterVec
	Verdicts      *prometheus.CounterVec
	Discoveries   prometheus.Counter
}

func New() *Counters {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Counters{
		registry: reg,
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "event_spider_cache_lookups_total",
			Help: "Work unit lookups by kind and outcome",
		}, []string{"kind", "result"}),
		ExternalCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "event_spider_external_calls_total",
			Help: "Calls made to external providers by kind",
		}, []string{"kind"}),
		Verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "event_spider_investigations_total",
			Help: "Finished investigations by verdict",
		}, []string{"status"}),
		Discoveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "event_spider_discovered_submissions_total",
			Help: "Different events submitted while investigating",
		}),
	}
}

func (c *Counters) CacheLookup(kind, result string) {
	if c == nil {
		return
	}
	c.CacheLookups.WithLabelValues(kind, result).Inc()
}

func (c *Counters) ExternalCall(kind string) {
	if c == nil {
		return
	}
	c.ExternalCalls.WithLabelValues(kind).Inc()
}

func (c *Counters) Verdict(status string) {
	if c == nil {
		return
	}
	c.Verdicts.WithLabelValues(status).Inc()
}

func (c *Counters) Discovery() {
	if c == nil {
		return
	}
	c.Discoveries.Inc()
}

func (c *Counters) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// LogSummary writes every non-zero counter to the logger.
func (c *Counters) LogSummary(logger *slog.Logger) {
	families, err := c.registry.Gather()
	if err != nil {
		logger.Warn("failed to gather metrics", "error", err)
		return
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	for _, family := range families {
		for _, m := range family.GetMetric() {
			value := m.GetCounter().GetValue()
			if value == 0 {
				continue
			}
			attrs := []any{"metric", family.GetName(), "value", value}
			for _, label := range m.GetLabel() {
				attrs = append(attrs, label.GetName(), label.GetValue())
			}
			logger.Info("run summary", attrs...)
		}
	}
}
