// Package metrics 把 OpenTelemetry 指标以 Prometheus 文本格式暴露在 /metrics，
// 并提供管理 API 的请求指标。执行状态、提交耗时与规则决策等指标由各自的包通过
// 全局 MeterProvider 记录，经同一个 Exporter 输出。
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Exporter 持有独立的 Prometheus 注册表与对应的 OTel Reader。
type Exporter struct {
	registry *prometheus.Registry
	reader   *otelprom.Exporter
}

// NewExporter 创建 Exporter。返回的 Reader 需要注册到 MeterProvider 才会产生数据。
func NewExporter() (*Exporter, error) {
	registry := prometheus.NewRegistry()
	reader, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("metrics: create prometheus exporter: %w", err)
	}
	return &Exporter{registry: registry, reader: reader}, nil
}

// Reader 返回供 sdkmetric.WithReader 使用的 Reader。
func (e *Exporter) Reader() sdkmetric.Reader {
	return e.reader
}

// Handler 以 Prometheus 文本格式输出已采集的指标。
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// HTTP 记录管理 API 的请求数、5xx 数与耗时。
type HTTP struct {
	requests metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
}

// NewHTTP 在给定 meter 上创建请求指标。
func NewHTTP(meter metric.Meter) (*HTTP, error) {
	requests, err := meter.Int64Counter("autotip.http.requests",
		metric.WithDescription("Total number of HTTP requests processed"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter("autotip.http.request.errors",
		metric.WithDescription("HTTP requests that resulted in a server error"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("autotip.http.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5))
	if err != nil {
		return nil, err
	}
	return &HTTP{requests: requests, errors: errs, duration: duration}, nil
}

// Observe 记录一次请求，route 为路由模板。
func (h *HTTP) Observe(ctx context.Context, route, method string, status int, elapsed time.Duration) {
	if h == nil {
		return
	}
	base := []attribute.KeyValue{
		attribute.String("handler", route),
		attribute.String("method", method),
	}
	h.requests.Add(ctx, 1, metric.WithAttributes(append(base, attribute.String("code", strconv.Itoa(status)))...))
	if status >= http.StatusInternalServerError {
		h.errors.Add(ctx, 1, metric.WithAttributes(base...))
	}
	h.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(base...))
}
