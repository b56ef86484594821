package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"ridedispatch/internal/dispatch"
	"ridedispatch/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// requestInfo lets inner middleware report back to the logger.
type requestInfo struct {
	role dispatch.IdentityRole
}

type requestInfoKey struct{}

func noteIdentity(ctx context.Context, id dispatch.Identity) {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		info.role = id.Role
	}
}

// RequestLogger logs one line per request and records its latency under the
// matched route pattern.
func RequestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			info := &requestInfo{}
			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))
			elapsed := time.Since(start)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			metrics.HTTPDuration.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Observe(elapsed.Seconds())

			fields := logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     rec.status,
				"latency_ms": float64(elapsed.Microseconds()) / 1000,
			}
			if info.role != "" {
				fields["role"] = info.role
			}
			entry := log.WithFields(fields)
			switch {
			case rec.status >= 500:
				entry.Error("request")
			case rec.status >= 400:
				entry.Warn("request")
			default:
				entry.Info("request")
			}
		})
	}
}
