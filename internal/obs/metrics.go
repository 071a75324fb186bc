package obs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sharepoint"

// MetricsSink turns events into Prometheus counters.
type MetricsSink struct {
	tokenRefreshes prometheus.Counter
	chunks         prometheus.Counter
	uploadedBytes  prometheus.Counter
	uploads        *prometheus.CounterVec
	failures       *prometheus.CounterVec
	hashMismatches prometheus.Counter
}

// NewMetricsSink registers the upload counters with reg (nil means the
// default registerer). Registering twice against the same registry reuses
// the collectors already there.
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	var err error

	m := &MetricsSink{}

	m.tokenRefreshes, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "token_refreshes_total",
		Help:      "Access tokens acquired from the identity provider.",
	}))
	if err != nil {
		return nil, err
	}

	m.chunks, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "chunks_uploaded_total",
		Help:      "Upload session chunks acknowledged by the server.",
	}))
	if err != nil {
		return nil, err
	}

	m.uploadedBytes, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "uploaded_bytes_total",
		Help:      "Bytes of completed uploads.",
	}))
	if err != nil {
		return nil, err
	}

	m.uploads, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "uploads_total",
		Help:      "Completed uploads by strategy.",
	}, []string{"strategy"}))
	if err != nil {
		return nil, err
	}

	m.failures, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "upload_failures_total",
		Help:      "Failed uploads by stage.",
	}, []string{"stage"}))
	if err != nil {
		return nil, err
	}

	m.hashMismatches, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "hash_mismatches_total",
		Help:      "Uploads whose server-reported QuickXorHash differed from the local digest.",
	}))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}

		var zero C

		return zero, fmt.Errorf("obs: registering metric: %w", err)
	}

	return c, nil
}

// Emit implements Sink.
func (m *MetricsSink) Emit(_ context.Context, ev Event) {
	switch ev.Name {
	case TokenRefreshed:
		m.tokenRefreshes.Inc()
	case ChunkUploaded:
		m.chunks.Inc()
	case UploadCompleted:
		m.uploads.WithLabelValues(stringAttr(ev, "strategy")).Inc()
		if v, ok := ev.Attr("size"); ok && v.Kind() == slog.KindInt64 {
			m.uploadedBytes.Add(float64(v.Int64()))
		}
	case UploadFailed:
		m.failures.WithLabelValues(stringAttr(ev, "stage")).Inc()
	case HashMismatch:
		m.hashMismatches.Inc()
	}
}

func stringAttr(ev Event, key string) string {
	v, ok := ev.Attr(key)
	if !ok {
		return "unknown"
	}

	return v.String()
}
