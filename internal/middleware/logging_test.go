package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestLoggerLevels(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "level=INFO"},
		{http.StatusNotFound, "level=WARN"},
		{http.StatusServiceUnavailable, "level=ERROR"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		handler := RequestLogger(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		req := httptest.NewRequest("GET", "/backup/status", nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)

		line := buf.String()
		if !strings.Contains(line, tt.level) {
			t.Errorf("status %d logged %q, want %s", tt.status, line, tt.level)
		}
		if !strings.Contains(line, "path=/backup/status") {
			t.Errorf("log line missing path: %q", line)
		}
	}
}

func TestRequestLoggerRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	proxies, err := ParseTrustedProxies([]string{"10.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	handler := RequestLogger(logger, proxies.ClientIP)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.RemoteAddr = "10.0.0.1:4000"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	id := rec.Header().Get(RequestIDHeader)
	if id == "" {
		t.Fatal("response is missing X-Request-ID")
	}
	line := buf.String()
	if !strings.Contains(line, "request_id="+id) {
		t.Errorf("log line %q does not carry request id %s", line, id)
	}
	if !strings.Contains(line, "remote=198.51.100.7") {
		t.Errorf("log line %q should record the forwarded client", line)
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, httptest.NewRequest("GET", "/healthz", nil))
	if rec2.Header().Get(RequestIDHeader) == id {
		t.Error("request ids should differ between requests")
	}
}

func TestStatusRecorderUnwrap(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}
	if sr.Unwrap() != rec {
		t.Error("Unwrap should return the wrapped writer")
	}
}
