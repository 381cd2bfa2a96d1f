package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/kairo/internal/metrics"
	"github.com/hitoshi/kairo/internal/model"
)

// recordingMetrics はHTTP関連のメトリクス呼び出しを記録する。
type recordingMetrics struct {
	metrics.Nop
	statuses    []int
	latencies   int
	rateLimited []string
}

func (m *recordingMetrics) RecordHTTPStatus(code int) { m.statuses = append(m.statuses, code) }
func (m *recordingMetrics) RecordRequestLatency(time.Duration) { m.latencies++ }
func (m *recordingMetrics) RecordRateLimited(profile string) {
	m.rateLimited = append(m.rateLimited, profile)
}

func newJSONLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func parseLogEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	return entry
}

// TestLoggingMiddleware_LogsRequestFields はリクエストログに必要なフィールドが含まれることを検証する。
func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	m := &recordingMetrics{}

	handler := NewLoggingMiddleware(newJSONLogger(&buf), m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	entry := parseLogEntry(t, &buf)
	if entry["method"] != "GET" {
		t.Errorf("method = %v, want GET", entry["method"])
	}
	if entry["path"] != "/api/auth/me" {
		t.Errorf("path = %v, want /api/auth/me", entry["path"])
	}
	if status, ok := entry["status"].(float64); !ok || status != 200 {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("expected 'duration_ms' field in log entry")
	}
	if _, ok := entry["user_id"]; ok {
		t.Error("anonymous request should not log user_id")
	}
	if len(m.statuses) != 1 || m.statuses[0] != http.StatusOK {
		t.Errorf("recorded statuses = %v, want [200]", m.statuses)
	}
	if m.latencies != 1 {
		t.Errorf("recorded latencies = %d, want 1", m.latencies)
	}
}

// TestLoggingMiddleware_IncludesUserIDSetByInnerMiddleware は内側で注入されたユーザーIDがログに残ることを検証する。
func TestLoggingMiddleware_IncludesUserIDSetByInnerMiddleware(t *testing.T) {
	var buf bytes.Buffer

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := ContextWithUser(r.Context(), &model.User{ID: "user-123"})
		_ = r.WithContext(ctx)
		w.WriteHeader(http.StatusNoContent)
	})
	handler := NewLoggingMiddleware(newJSONLogger(&buf), nil)(inner)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))

	entry := parseLogEntry(t, &buf)
	if entry["user_id"] != "user-123" {
		t.Errorf("user_id = %v, want user-123", entry["user_id"])
	}
}

// TestLoggingMiddleware_OmitsQueryString はクエリ文字列（認可コードを含みうる）を記録しないことを検証する。
func TestLoggingMiddleware_OmitsQueryString(t *testing.T) {
	var buf bytes.Buffer
	handler := NewLoggingMiddleware(newJSONLogger(&buf), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/oauth/callback/github?code=secret-code&state=s", nil))

	if bytes.Contains(buf.Bytes(), []byte("secret-code")) {
		t.Errorf("log must not contain the authorization code: %s", buf.String())
	}
}

// TestLoggingMiddleware_LevelByStatus はステータスコードに応じてログレベルが変わることを検証する。
func TestLoggingMiddleware_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusUnauthorized, "WARN"},
		{http.StatusServiceUnavailable, "ERROR"},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		handler := NewLoggingMiddleware(newJSONLogger(&buf), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

		entry := parseLogEntry(t, &buf)
		if entry["level"] != tt.want {
			t.Errorf("status %d: level = %v, want %s", tt.status, entry["level"], tt.want)
		}
	}
}

// TestStatusRecorder_DefaultsTo200 はWriteHeaderなしのWriteで200が記録されることを検証する。
func TestStatusRecorder_DefaultsTo200(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}

	_, _ = rec.Write([]byte("ok"))
	rec.WriteHeader(http.StatusInternalServerError)

	if rec.statusCode != http.StatusOK {
		t.Errorf("statusCode = %d, want %d", rec.statusCode, http.StatusOK)
	}
}
