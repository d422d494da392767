package infra

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"key-custody-service/config"
)

// TraceHandler はスパン情報をログレコードに付与するslogハンドラ。
// GOOGLE_CLOUD_PROJECT が設定されている場合はCloud Logging形式のトレースフィールドも付与する。
type TraceHandler struct {
	slog.Handler
	projectID string
}

// NewTraceHandler は h をラップしたTraceHandlerを生成する。
func NewTraceHandler(h slog.Handler, projectID string) *TraceHandler {
	return &TraceHandler{Handler: h, projectID: projectID}
}

// Handle はスパンが有効な場合にトレースIDとスパンIDを付与する。
func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		traceID := sc.TraceID().String()
		spanID := sc.SpanID().String()
		r.AddAttrs(
			slog.String("trace", traceID),
			slog.String("spanId", spanID),
			slog.Bool("traceSampled", sc.IsSampled()),
		)
		if h.projectID != "" {
			r.AddAttrs(
				slog.String("logging.googleapis.com/trace", "projects/"+h.projectID+"/traces/"+traceID),
				slog.String("logging.googleapis.com/spanId", spanID),
			)
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs), projectID: h.projectID}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name), projectID: h.projectID}
}

// ParseLogLevel はLOG_LEVELの値をslog.Levelに変換する。未知の値はINFO。
func ParseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger はJSON出力のロガーを生成する。
func NewLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLogLevel(cfg.LogLevel)})
	return slog.New(NewTraceHandler(h, cfg.GoogleCloudProject)).With("service", cfg.OtelServiceName)
}

// SetupLogger はグローバルロガーを設定する。
func SetupLogger(w io.Writer, cfg *config.Config) {
	slog.SetDefault(NewLogger(w, cfg))
}
