// Package tracing wires the process to an OTLP collector. The provider is
// a lifecycle component: spans batch in the background and flush on Stop.
package tracing

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/moolen/retrace/internal/config"
	"github.com/moolen/retrace/internal/logging"
)

const serviceName = "retrace"

// Provider owns the OpenTelemetry tracer provider. When tracing is
// disabled it is inert: GetTracer hands out no-op tracers and Start/Stop
// do nothing.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	logger         *logging.Logger
	enabled        bool
}

// NewProvider builds a provider from the tracing fields of cfg. With
// tracing disabled the returned provider is usable but exports nothing.
func NewProvider(cfg *config.Config) (*Provider, error) {
	logger := logging.GetLogger("tracing")

	if !cfg.TracingEnabled {
		logger.Debug("tracing disabled")
		return &Provider{logger: logger}, nil
	}
	if cfg.TracingEndpoint == "" {
		return nil, fmt.Errorf("tracing enabled but no endpoint configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var dialOptions []grpc.DialOption
	var otlpOptions []otlptracegrpc.Option

	if cfg.TracingTLSCAPath != "" {
		caCert, err := os.ReadFile(cfg.TracingTLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read tracing CA certificate: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no usable certificates in %s", cfg.TracingTLSCAPath)
		}
		creds := credentials.NewTLS(&tls.Config{
			RootCAs:    certPool,
			MinVersion: tls.VersionTLS12,
		})
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(creds))
		logger.Info("tracing TLS enabled, CA from %s", cfg.TracingTLSCAPath)
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
		otlpOptions = append(otlpOptions, otlptracegrpc.WithInsecure())
	}

	otlpOptions = append(otlpOptions,
		otlptracegrpc.WithEndpoint(cfg.TracingEndpoint),
		otlptracegrpc.WithDialOption(dialOptions...),
	)

	exporter, err := otlptracegrpc.New(ctx, otlpOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracing resource: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tracerProvider)

	logger.Info("tracing export to %s", cfg.TracingEndpoint)
	return &Provider{
		tracerProvider: tracerProvider,
		logger:         logger,
		enabled:        true,
	}, nil
}

// Name implements lifecycle.Component.
func (p *Provider) Name() string {
	return "tracing"
}

// Start implements lifecycle.Component. The exporter batches in the
// background from construction on, so Start has nothing to do.
func (p *Provider) Start(ctx context.Context) error {
	return nil
}

// Stop flushes buffered spans and shuts the exporter down.
func (p *Provider) Stop(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		p.logger.ErrorWithErr("failed to shut down tracer provider", err)
		return err
	}
	return nil
}

// GetTracer returns a tracer for the named subsystem. With tracing
// disabled this is the global (no-op) provider's tracer.
func (p *Provider) GetTracer(name string) trace.Tracer {
	if p.enabled {
		return p.tracerProvider.Tracer(name)
	}
	return otel.GetTracerProvider().Tracer(name)
}

// IsEnabled reports whether spans are exported.
func (p *Provider) IsEnabled() bool {
	return p.enabled
}
