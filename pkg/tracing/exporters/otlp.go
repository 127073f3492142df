package exporters

import (
	"cmp"
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultGRPCEndpoint = "localhost:4317"
	defaultHTTPEndpoint = "localhost:4318"
	defaultTimeout      = 10 * time.Second
)

// OTLPConfig configures the collector connection.
type OTLPConfig struct {
	Endpoint string // host:port; empty uses the protocol's default port on localhost
	Protocol string // grpc or http
	Insecure bool
	Headers  map[string]string
	Timeout  time.Duration
}

// ParseHeaders reads "key=value" pairs separated by commas, the format of
// TRACING_HEADERS. Malformed pairs are skipped.
func ParseHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}

// NewOTLPExporter creates an OTLP trace exporter. An empty protocol means http.
func NewOTLPExporter(ctx context.Context, config OTLPConfig) (*otlptrace.Exporter, error) {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	switch strings.ToLower(config.Protocol) {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cmp.Or(config.Endpoint, defaultGRPCEndpoint)),
			otlptracegrpc.WithTimeout(timeout),
			otlptracegrpc.WithHeaders(config.Headers),
		}
		if config.Insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		}
		return otlptracegrpc.New(ctx, opts...)

	case "http", "":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cmp.Or(config.Endpoint, defaultHTTPEndpoint)),
			otlptracehttp.WithTimeout(timeout),
			otlptracehttp.WithHeaders(config.Headers),
		}
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}

	return nil, fmt.Errorf("unsupported OTLP protocol %q (use grpc or http)", config.Protocol)
}
