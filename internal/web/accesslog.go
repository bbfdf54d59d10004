package web

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AccessLogConfig configures the rotated request log.
type AccessLogConfig struct {
	// Path of the log file; empty disables access logging.
	Path string
	// MaxSizeMB triggers rotation. Default 10.
	MaxSizeMB int
	// MaxBackups is how many rotated files to keep. Default 1.
	MaxBackups int
}

// DefaultAccessLogConfig returns the rotation defaults.
func DefaultAccessLogConfig() AccessLogConfig {
	return AccessLogConfig{
		MaxSizeMB:  10,
		MaxBackups: 1,
	}
}

// AccessLogger records one line per request to a rotated file. A nil
// *AccessLogger is valid and logs nothing, so callers need no guards.
type AccessLogger struct {
	mu     sync.Mutex
	writer io.WriteCloser
}

// NewAccessLogger opens the access log, or returns nil when no path is
// configured.
func NewAccessLogger(cfg AccessLogConfig) *AccessLogger {
	if cfg.Path == "" {
		return nil
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups < 0 {
		cfg.MaxBackups = 1
	}
	return &AccessLogger{
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		},
	}
}

// Close releases the log file.
func (a *AccessLogger) Close() error {
	if a == nil || a.writer == nil {
		return nil
	}
	return a.writer.Close()
}

// record is one completed request.
type record struct {
	start    time.Time
	clientIP string
	method   string
	path     string
	status   int
	duration time.Duration
	agent    string
}

// write appends a record.
// Format: timestamp client_ip "method path" status duration_ms "user-agent"
func (a *AccessLogger) write(rec record) {
	line := fmt.Sprintf("%s %s \"%s %s\" %d %dms \"%s\"\n",
		rec.start.Format(time.RFC3339),
		rec.clientIP,
		rec.method,
		rec.path,
		rec.status,
		rec.duration.Milliseconds(),
		escapeQuotes(rec.agent),
	)

	a.mu.Lock()
	a.writer.Write([]byte(line))
	a.mu.Unlock()
}

// escapeQuotes keeps user-supplied strings from breaking the quoted log
// fields.
func escapeQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// statusRecorder captures the response status code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush passes through to the underlying writer so streaming responses
// keep working behind the middleware.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware logs every request. WebSocket upgrades pass through
// unlogged: wrapping the ResponseWriter would hide the http.Hijacker
// the upgrader needs.
func (a *AccessLogger) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		a.write(record{
			start:    start,
			clientIP: getClientIP(r),
			method:   r.Method,
			path:     r.URL.Path,
			status:   rec.status,
			duration: time.Since(start),
			agent:    r.UserAgent(),
		})
	})
}
