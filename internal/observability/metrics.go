// Package observability exposes dispatch outcomes as Prometheus metrics
// and serves them over HTTP next to optional pprof endpoints.
package observability

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streambot/internal/eventbus"
)

const namespace = "streambot"

// Metrics owns a private registry so tests and multiple engines never
// collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	sent     *prometheus.CounterVec
	failed   *prometheus.CounterVec
	kicked   *prometheus.CounterVec
	migrated prometheus.Counter
	edited   *prometheus.CounterVec
	photos   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Notifications delivered, by message kind.",
		}, []string{"kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Notification sends that failed, by message kind.",
		}, []string{"kind"}),
		kicked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recipients_removed_total",
			Help:      "Recipients removed after a permanent delivery failure, by removal kind.",
		}, []string{"removal"}),
		migrated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chats_migrated_total",
			Help:      "Chats moved to a new id after a migration notice.",
		}),
		edited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_edited_total",
			Help:      "Delivered messages edited in place, by message kind.",
		}, []string{"kind"}),
		photos: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "photo_acquisitions_total",
			Help:      "Photo acquisition pipelines settled, by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time of one dispatch call, by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"op"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sent, m.failed, m.kicked, m.migrated, m.edited, m.photos, m.duration,
	)
	return m
}

// Gauge registers a gauge sampled from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	if m == nil || fn == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDispatch records the duration of a send or update call.
func (m *Metrics) ObserveDispatch(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(label(op)).Observe(max(d.Seconds(), 0))
}

// Record maps one bus event onto the counters. Unknown events are ignored.
func (m *Metrics) Record(e eventbus.Event) {
	if m == nil {
		return
	}
	data, _ := e.Data.(eventbus.DispatchEvent)
	switch e.Type {
	case eventbus.NotifySent:
		m.sent.WithLabelValues(label(data.Kind)).Inc()
	case eventbus.NotifyFailed:
		m.failed.WithLabelValues(label(data.Kind)).Inc()
	case eventbus.NotifyKicked:
		m.kicked.WithLabelValues(label(data.Kind)).Inc()
	case eventbus.NotifyMigrated:
		m.migrated.Inc()
	case eventbus.NotifyEdited:
		m.edited.WithLabelValues(label(data.Kind)).Inc()
	case eventbus.PhotoAcquired:
		m.photos.WithLabelValues("ok").Inc()
	case eventbus.PhotoFailed:
		m.photos.WithLabelValues("error").Inc()
	}
}

// Consume feeds bus events into Record until ctx is done.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus, buffer int) error {
	if m == nil || bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ch, unsubscribe := bus.Subscribe(buffer)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Record(e)
		}
	}
}

func label(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}
