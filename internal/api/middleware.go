package api

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/Gravitate-Health/lens-selector-git/internal/logging"
	"github.com/rs/zerolog/log"
)

const requestIDHeader = "X-Request-ID"

// APIError is the JSON body of every non-2xx response.
type APIError struct {
	ErrorMessage string            `json:"error"`
	Code         string            `json:"code,omitempty"`
	StatusCode   int               `json:"status_code"`
	Timestamp    int64             `json:"timestamp"`
	RequestID    string            `json:"request_id,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.ErrorMessage
}

// ErrorHandler wraps the API with request IDs, metrics, failure logging and
// panic recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return instrument(apiMetrics(), next)
}

func instrument(m *httpMetrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" {
			r.URL.Path = "/"
		}

		ctx, requestID := logging.WithRequestID(r.Context(), strings.TrimSpace(r.Header.Get(requestIDHeader)))
		r = r.WithContext(ctx)
		w.Header().Set(requestIDHeader, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		m.inFlight.Inc()

		// Runs after recovery has written its 500. r.Pattern is only known
		// once the mux has routed the request.
		defer func() {
			m.inFlight.Dec()
			m.observe(r.Method, routeLabel(r), rec.status, time.Since(start))
			logFailure(r, rec.status)
		}()
		defer recoverPanic(rec, r)

		next.ServeHTTP(rec, r)
	})
}

// recoverPanic must be deferred directly so recover sees the handler's panic.
func recoverPanic(w http.ResponseWriter, r *http.Request) {
	v := recover()
	if v == nil {
		return
	}

	logger := logging.FromContext(r.Context())
	logger.Error().
		Interface("panic", v).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Bytes("stack", debug.Stack()).
		Msg("Recovered from panic in API handler")

	writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred", nil)
}

func logFailure(r *http.Request, status int) {
	if status < http.StatusBadRequest {
		return
	}
	logger := logging.FromContext(r.Context())
	logger.Warn().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Str("client", clientIP(r)).
		Msg("Request failed")
}

// writeErrorResponse writes an APIError. The request ID is read back from the
// response header set by ErrorHandler.
func writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string, details map[string]string) {
	body := APIError{
		ErrorMessage: message,
		Code:         code,
		StatusCode:   statusCode,
		Timestamp:    time.Now().Unix(),
		RequestID:    w.Header().Get(requestIDHeader),
		Details:      details,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Str("code", code).Msg("Failed to encode error response")
	}
}

// sanitizeErrorForClient logs err with the request and returns only msg, so
// paths and git output stay server-side.
func sanitizeErrorForClient(r *http.Request, err error, msg string) string {
	if err != nil {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("path", r.URL.Path).Msg(msg)
	}
	return msg
}

// statusRecorder remembers the status written through it. Only the first
// WriteHeader reaches the client.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.wroteHeader = true
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.WriteHeader(http.StatusOK)
	return s.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
