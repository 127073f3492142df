// Package logging builds the service logger: an ectologger front end that
// writes through zap.
package logging

import (
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/fern/pkg/context"
)

type Config struct {
	AppName string
	Level   string
	Pretty  bool
}

// New returns the service logger and the underlying zap logger so callers
// can Sync it on shutdown.
func New(cfg Config) (ectologger.Logger, *zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Pretty {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	z, err := zcfg.Build()
	if err != nil {
		return nil, nil, err
	}
	z = z.With(zap.String("app", cfg.AppName))

	return zapadapter.NewZapEctoLogger(z, withRequestFields), z, nil
}

// withRequestFields copies the request, operator and trace ids carried by
// the message context into its fields.
func withRequestFields(msg ectologger.EctoLogMessage) ectologger.EctoLogMessage {
	if msg.Ctx == nil {
		return msg
	}

	fields := make(map[string]any, len(msg.Fields)+3)
	for k, v := range msg.Fields {
		fields[k] = v
	}
	if id := context.GetRequestID(msg.Ctx); id != "" {
		fields["request_id"] = id
	}
	if operator := context.GetOperator(msg.Ctx); operator != "" {
		fields["operator"] = operator
	}
	if sc := trace.SpanContextFromContext(msg.Ctx); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	msg.Fields = fields
	return msg
}
