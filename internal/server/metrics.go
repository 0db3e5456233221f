package server

import (
	"io"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
)

// Metrics holds the server's Prometheus collectors. Each Server owns a
// registry of its own so tests can run several servers side by side.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	uploadBytesTotal   prometheus.Counter
	downloadBytesTotal prometheus.Counter
	storageErrors      *prometheus.CounterVec
	activeConnections  prometheus.Gauge
	acceptErrors       prometheus.Counter
	rateLimited        prometheus.Counter
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics(version, commit string) *Metrics {
	constLabels := prometheus.Labels{"service": "sofd"}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sofd_requests_total", Help: "Requests handled, by route and status code.", ConstLabels: constLabels,
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "sofd_request_duration_seconds", Help: "Time from accept to close.", ConstLabels: constLabels,
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 60},
		}, []string{"route"}),
		uploadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sofd_upload_bytes_total", Help: "Bytes stored by successful uploads.", ConstLabels: constLabels,
		}),
		downloadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sofd_download_bytes_total", Help: "Body bytes written by downloads.", ConstLabels: constLabels,
		}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sofd_storage_errors_total", Help: "Storage failures other than not-found.", ConstLabels: constLabels,
		}, []string{"op"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sofd_active_connections", Help: "Connections currently being handled.", ConstLabels: constLabels,
		}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sofd_accept_errors_total", Help: "Transient accept failures.", ConstLabels: constLabels,
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sofd_rate_limited_total", Help: "Requests rejected by the per-peer limiter.", ConstLabels: constLabels,
		}),
	}

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sofd_build_info", Help: "Build version and commit.",
		ConstLabels: prometheus.Labels{"service": "sofd", "version": version, "commit": commit},
	})
	buildInfo.Set(1)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.uploadBytesTotal,
		m.downloadBytesTotal,
		m.storageErrors,
		m.activeConnections,
		m.acceptErrors,
		m.rateLimited,
		buildInfo,
		collectors.NewGoCollector(),
	)
	return m
}

// RecordRequest counts one finished connection.
func (m *Metrics) RecordRequest(route RouteKind, status int, d time.Duration) {
	m.requestsTotal.WithLabelValues(route.String(), strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route.String()).Observe(d.Seconds())
}

func (m *Metrics) RecordUpload(bytes int64) { m.uploadBytesTotal.Add(float64(bytes)) }

func (m *Metrics) RecordDownload(bytes int64) { m.downloadBytesTotal.Add(float64(bytes)) }

func (m *Metrics) RecordStorageError(op string) { m.storageErrors.WithLabelValues(op).Inc() }

func (m *Metrics) RecordAcceptError() { m.acceptErrors.Inc() }

func (m *Metrics) RecordRateLimited() { m.rateLimited.Inc() }

func (m *Metrics) ConnectionOpened() { m.activeConnections.Inc() }

func (m *Metrics) ConnectionClosed() { m.activeConnections.Dec() }

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WriteText writes every metric in the Prometheus text format.
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// TextContentType is the Content-Type of WriteText output.
const TextContentType = string(expfmt.FmtText)
