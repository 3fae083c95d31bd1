package hammerhead

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes one structured record per proxied request.
type AccessLogger struct {
	logger *slog.Logger

	// SlowThreshold raises successful requests that took longer than this
	// to warn level. Zero disables it.
	SlowThreshold time.Duration
}

// AccessLogEntry is a single access record. ContentKind is only logged for
// served requests and Failure only for failed ones.
type AccessLogEntry struct {
	Timestamp time.Time
	RequestID string
	Method    string

	// From the proxy URL.
	Session      string
	ResourceType string
	Destination  string

	ContentKind  string
	StatusCode   int // 0 when nothing reached the client
	Failure      string
	Mocked       bool
	Duration     time.Duration
	BytesWritten int64

	ClientAddr string
	ClientCert string
	UserAgent  string
	Error      string
}

// NewAccessLogger creates an AccessLogger writing to logger.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

func (al *AccessLogger) level(e *AccessLogEntry) slog.Level {
	switch {
	case e.Failure != "" || e.StatusCode >= 500:
		return slog.LevelWarn
	case al.SlowThreshold > 0 && e.Duration > al.SlowThreshold:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

// Log writes e. Optional attributes are left out when empty.
func (al *AccessLogger) Log(e AccessLogEntry) {
	level := al.level(&e)
	ctx := context.Background()
	if !al.logger.Enabled(ctx, level) {
		return
	}

	attrs := make([]slog.Attr, 0, 16)
	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("request_id", e.RequestID),
		slog.String("method", e.Method),
		slog.String("session", e.Session),
		slog.String("resource_type", e.ResourceType),
		slog.String("destination", e.Destination),
		slog.String("client", e.ClientAddr),
	)
	if e.Failure == "" {
		attrs = append(attrs, slog.String("content_kind", e.ContentKind))
	} else {
		attrs = append(attrs, slog.String("failure", e.Failure))
	}
	attrs = append(attrs,
		slog.Int("status", e.StatusCode),
		slog.Int64("bytes", e.BytesWritten),
		slog.Duration("duration", e.Duration),
	)

	optional := []struct {
		key, val string
	}{
		{"client_cert", e.ClientCert},
		{"error", e.Error},
		{"user_agent", e.UserAgent},
	}
	for _, o := range optional {
		if o.val != "" {
			attrs = append(attrs, slog.String(o.key, o.val))
		}
	}
	if e.Mocked {
		attrs = append(attrs, slog.Bool("mocked", true))
	}
	if level == slog.LevelWarn && e.Failure == "" && e.StatusCode < 500 {
		attrs = append(attrs, slog.Bool("slow", true))
	}

	al.logger.LogAttrs(ctx, level, "access", attrs...)
}
