// Package observability provides Prometheus metrics for the anonymization
// pipeline.
package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PipelineMetrics contains Prometheus metrics for pipeline stage execution.
type PipelineMetrics struct {
	registry *prometheus.Registry

	stageRunsTotal   *prometheus.CounterVec
	stageErrorsTotal *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec

	framesExtractedTotal   prometheus.Counter
	framesAnonymizedTotal  prometheus.Counter
	segmentsCreatedTotal   prometheus.Counter
	rawBytesReclaimedTotal prometheus.Counter
}

// NewPipelineMetrics creates and registers pipeline metrics on a fresh
// registry.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	registry := prometheus.NewRegistry()

	m := &PipelineMetrics{
		registry: registry,
		stageRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "endoscrub_stage_runs_total",
			Help: "Total pipeline stage executions by stage and result",
		}, []string{"stage", "result"}),
		stageErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "endoscrub_stage_errors_total",
			Help: "Total pipeline stage errors by stage and category",
		}, []string{"stage", "category"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "endoscrub_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"stage"}),
		framesExtractedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "endoscrub_frames_extracted_total",
			Help: "Total frames extracted from raw videos",
		}),
		framesAnonymizedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "endoscrub_frames_anonymized_total",
			Help: "Total frames regenerated with blacked-out regions",
		}),
		segmentsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "endoscrub_segments_created_total",
			Help: "Total label video segments materialized from predictions",
		}),
		rawBytesReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "endoscrub_raw_bytes_reclaimed_total",
			Help: "Total bytes of raw video assets deleted after anonymization",
		}),
	}

	collectors := []prometheus.Collector{
		m.stageRunsTotal,
		m.stageErrorsTotal,
		m.stageDuration,
		m.framesExtractedTotal,
		m.framesAnonymizedTotal,
		m.segmentsCreatedTotal,
		m.rawBytesReclaimedTotal,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// RecordStage records one stage execution with its outcome and duration.
func (m *PipelineMetrics) RecordStage(stage string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.stageRunsTotal.WithLabelValues(stage, result).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordStageError records one categorized stage error.
func (m *PipelineMetrics) RecordStageError(stage, category string) {
	if m == nil {
		return
	}
	m.stageErrorsTotal.WithLabelValues(stage, category).Inc()
}

// AddFramesExtracted increments the extracted-frame counter.
func (m *PipelineMetrics) AddFramesExtracted(n int) {
	if m == nil {
		return
	}
	m.framesExtractedTotal.Add(float64(n))
}

// AddFramesAnonymized increments the anonymized-frame counter.
func (m *PipelineMetrics) AddFramesAnonymized(n int) {
	if m == nil {
		return
	}
	m.framesAnonymizedTotal.Add(float64(n))
}

// AddSegmentsCreated increments the materialized-segment counter.
func (m *PipelineMetrics) AddSegmentsCreated(n int) {
	if m == nil {
		return
	}
	m.segmentsCreatedTotal.Add(float64(n))
}

// AddRawBytesReclaimed increments the reclaimed-bytes counter.
func (m *PipelineMetrics) AddRawBytesReclaimed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.rawBytesReclaimedTotal.Add(float64(n))
}

// Serve exposes the metrics registry over HTTP on addr. It blocks, so
// callers run it in a goroutine.
func (m *PipelineMetrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}
