// Package telemetry exports transport counters and ping-pong latency through
// OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/yuuki/rdmamsg/transport"

// Metrics contains the instruments recorded by the transport. The zero value
// is not usable; build one with NewMetrics, NewFromProvider or Noop.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	attrs    metric.MeasurementOption

	connOpened    metric.Int64Counter
	connClosed    metric.Int64Counter
	msgsSent      metric.Int64Counter
	msgsReceived  metric.Int64Counter
	bytesSent     metric.Int64Counter
	bytesReceived metric.Int64Counter
	wouldBlock    metric.Int64Counter
	cqErrors      metric.Int64Counter
	hsFailures    metric.Int64Counter

	// Round-trip time of one ping-pong exchange as Histogram
	rttHistogram metric.Float64Histogram
}

// parseCollectorAddr splits a collector address into exporter scheme and
// host:port endpoint. Schemeless addresses such as "localhost:4317" use grpc.
func parseCollectorAddr(collectorAddr string) (scheme, endpoint string, err error) {
	parsedURL, err := url.Parse(collectorAddr)
	if err != nil {
		// An IP host:port such as "127.0.0.1:4317" is not a valid URL.
		if !strings.Contains(collectorAddr, "/") && strings.Contains(collectorAddr, ":") {
			return "grpc", collectorAddr, nil
		}
		return "", "", fmt.Errorf("failed to parse otel-collector-addr '%s': %w", collectorAddr, err)
	}

	switch {
	case parsedURL.Host != "":
		endpoint = parsedURL.Host
		scheme = strings.ToLower(parsedURL.Scheme)
	case parsedURL.Opaque != "" && !strings.Contains(collectorAddr, "//"):
		// host:port parses as scheme=host, opaque=port
		endpoint = collectorAddr
		scheme = "grpc"
	case parsedURL.Path != "" && !strings.Contains(parsedURL.Path, "/"):
		endpoint = parsedURL.Path
		scheme = "grpc"
	default:
		return "", "", fmt.Errorf("otel-collector-addr '%s' is missing a host or is not a valid schemeless address (e.g. localhost:4317)", collectorAddr)
	}

	if scheme == "" {
		scheme = "grpc"
	}
	switch scheme {
	case "grpc", "grpcs", "http", "https":
		return scheme, endpoint, nil
	default:
		return "", "", fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", scheme, collectorAddr)
	}
}

// NewMetrics creates an OTLP exporting meter provider identified by
// instanceID and registers the transport instruments on it.
func NewMetrics(ctx context.Context, role, instanceID, collectorAddr string) (*Metrics, error) {
	scheme, endpoint, err := parseCollectorAddr(collectorAddr)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("rdmamsg-"+role),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch scheme {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
		)
	case "http", "https":
		options := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(endpoint),
		}
		if scheme == "http" {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, options...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(10*time.Second),
			),
		),
	)
	otel.SetMeterProvider(provider)

	m, err := newInstruments(provider, role)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	m.provider = provider
	return m, nil
}

// NewFromProvider registers the transport instruments on an existing meter
// provider. Shutdown does not stop the provider.
func NewFromProvider(provider metric.MeterProvider, role string) (*Metrics, error) {
	return newInstruments(provider, role)
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, err := newInstruments(noop.NewMeterProvider(), "")
	if err != nil {
		// the noop meter never fails
		panic(err)
	}
	return m
}

func newInstruments(provider metric.MeterProvider, role string) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{attrs: metric.WithAttributes(attribute.String("role", role))}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.connOpened, "rdmamsg.connections.opened", "Connections that reached ACTIVE", "{connection}"},
		{&m.connClosed, "rdmamsg.connections.closed", "Connections torn down", "{connection}"},
		{&m.msgsSent, "rdmamsg.messages.sent", "Send work requests posted", "{message}"},
		{&m.msgsReceived, "rdmamsg.messages.received", "Receive completions delivered", "{message}"},
		{&m.bytesSent, "rdmamsg.bytes.sent", "Payload bytes posted for sending", "By"},
		{&m.bytesReceived, "rdmamsg.bytes.received", "Payload bytes delivered", "By"},
		{&m.wouldBlock, "rdmamsg.send.would_block", "Sends refused because no send chunk was free", "{count}"},
		{&m.cqErrors, "rdmamsg.completion.errors", "Completions with a non-success status", "{count}"},
		{&m.hsFailures, "rdmamsg.handshake.failures", "Failed connection handshakes", "{count}"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}

	rttHistogram, err := meter.Float64Histogram(
		"rdmamsg.pingpong.rtt",
		metric.WithDescription("Ping-pong round-trip time in microseconds"),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}
	m.rttHistogram = rttHistogram
	return m, nil
}

func (m *Metrics) add(c metric.Int64Counter, n int64) {
	c.Add(context.Background(), n, m.attrs)
}

// ConnectionOpened counts a connection that became ACTIVE.
func (m *Metrics) ConnectionOpened() { m.add(m.connOpened, 1) }

// ConnectionClosed counts a torn down connection.
func (m *Metrics) ConnectionClosed() { m.add(m.connClosed, 1) }

// MessageSent counts one posted send of n payload bytes.
func (m *Metrics) MessageSent(n int) {
	m.add(m.msgsSent, 1)
	m.add(m.bytesSent, int64(n))
}

// MessageReceived counts one delivered receive of n payload bytes.
func (m *Metrics) MessageReceived(n int) {
	m.add(m.msgsReceived, 1)
	m.add(m.bytesReceived, int64(n))
}

// SendWouldBlock counts a send refused for lack of a free chunk.
func (m *Metrics) SendWouldBlock() { m.add(m.wouldBlock, 1) }

// CompletionError counts a completion with a non-success status.
func (m *Metrics) CompletionError() { m.add(m.cqErrors, 1) }

// HandshakeFailure counts a failed handshake.
func (m *Metrics) HandshakeFailure() { m.add(m.hsFailures, 1) }

// RecordRTT records a round-trip time measurement.
func (m *Metrics) RecordRTT(rtt time.Duration) {
	// Convert nanoseconds to microseconds
	m.rttHistogram.Record(context.Background(), float64(rtt.Nanoseconds())/1_000.0, m.attrs)
}

// Shutdown flushes and stops the exporting meter provider, if any.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
