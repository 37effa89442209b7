// Package telemetry 初始化 OpenTelemetry 的 trace 与 metric 导出。
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config 描述 OTLP 导出配置。Endpoint 为空时不启用导出。
type Config struct {
	Endpoint       string        `json:"endpoint" yaml:"endpoint"`
	Insecure       bool          `json:"insecure" yaml:"insecure"`
	ServiceName    string        `json:"service_name" yaml:"service_name"`
	ServiceVersion string        `json:"service_version" yaml:"service_version"`
	MetricInterval time.Duration `json:"metric_interval" yaml:"metric_interval"`
}

func (c *Config) applyDefaults() {
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	if c.ServiceName == "" {
		c.ServiceName = "autotipd"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "dev"
	}
	if c.MetricInterval <= 0 {
		c.MetricInterval = 15 * time.Second
	}
}

// Shutdown 刷新并关闭导出器。
type Shutdown func(ctx context.Context) error

// Init 配置全局 TracerProvider 与 MeterProvider。readers 为额外的指标读取端（例如 Prometheus 导出）。
// 既没有 Endpoint 也没有 readers 时保留 otel 默认的 no-op 实现。
func Init(ctx context.Context, cfg Config, readers ...sdkmetric.Reader) (Shutdown, error) {
	cfg.applyDefaults()
	if cfg.Endpoint == "" && len(readers) == 0 {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	var shutdowns []func(context.Context) error
	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, reader := range readers {
		metricOpts = append(metricOpts, sdkmetric.WithReader(reader))
	}

	if cfg.Endpoint != "" {
		traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		}
		traceExp, err := otlptracehttp.New(ctx, traceOpts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdowns = append(shutdowns, tp.Shutdown)

		exportOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			exportOpts = append(exportOpts, otlpmetrichttp.WithInsecure())
		}
		metricExp, err := otlpmetrichttp.New(ctx, exportOpts...)
		if err != nil {
			_ = tp.Shutdown(ctx)
			return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(cfg.MetricInterval))))
	}

	mp := sdkmetric.NewMeterProvider(metricOpts...)
	otel.SetMeterProvider(mp)
	shutdowns = append(shutdowns, mp.Shutdown)

	return func(ctx context.Context) error {
		var errs []error
		for _, shutdown := range shutdowns {
			errs = append(errs, shutdown(ctx))
		}
		return errors.Join(errs...)
	}, nil
}
