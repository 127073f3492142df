package exporters

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel/sdk/trace"
)

// ConsoleExporter writes one JSON line per finished span. A nil Writer
// discards spans.
type ConsoleExporter struct {
	Writer io.Writer
	mu     sync.Mutex
}

// NewConsoleExporter writes spans to stdout.
func NewConsoleExporter() *ConsoleExporter {
	return &ConsoleExporter{Writer: os.Stdout}
}

type spanLine struct {
	TraceID  string `json:"trace_id"`
	SpanID   string `json:"span_id"`
	Name     string `json:"name"`
	Duration string `json:"duration"`
	Status   string `json:"status"`
}

func (c *ConsoleExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	if c.Writer == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	enc := json.NewEncoder(c.Writer)
	for _, s := range spans {
		line := spanLine{
			TraceID:  s.SpanContext().TraceID().String(),
			SpanID:   s.SpanContext().SpanID().String(),
			Name:     s.Name(),
			Duration: s.EndTime().Sub(s.StartTime()).String(),
			Status:   s.Status().Code.String(),
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConsoleExporter) Shutdown(ctx context.Context) error {
	return nil
}
