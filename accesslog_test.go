package whistleca

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAccessLogger_Log(t *testing.T) {
	tests := []struct {
		name      string
		entry     AccessLogEntry
		wantLevel string
		check     func(t *testing.T, m map[string]any)
	}{
		{
			name: "normal request",
			entry: AccessLogEntry{
				Timestamp:  time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
				Method:     "GET",
				Path:       "/api/certs/example.com",
				Route:      "/api/certs/{host}",
				StatusCode: 200,
				Bytes:      4096,
				Duration:   150 * time.Millisecond,
				ClientAddr: "192.168.1.1:54321",
				RequestID:  "host/abc-000001",
			},
			wantLevel: "INFO",
			check: func(t *testing.T, m map[string]any) {
				if m["method"] != "GET" {
					t.Errorf("method = %v, want GET", m["method"])
				}
				if m["path"] != "/api/certs/example.com" {
					t.Errorf("path = %v", m["path"])
				}
				if m["route"] != "/api/certs/{host}" {
					t.Errorf("route = %v", m["route"])
				}
				if m["status"] != float64(200) {
					t.Errorf("status = %v, want 200", m["status"])
				}
				if m["bytes"] != float64(4096) {
					t.Errorf("bytes = %v, want 4096", m["bytes"])
				}
				if m["client"] != "192.168.1.1:54321" {
					t.Errorf("client = %v", m["client"])
				}
				if m["request_id"] != "host/abc-000001" {
					t.Errorf("request_id = %v", m["request_id"])
				}
				if _, ok := m["user_agent"]; ok {
					t.Error("user_agent should be omitted when empty")
				}
			},
		},
		{
			name: "server error",
			entry: AccessLogEntry{
				Method:     "GET",
				Path:       "/api/certs/bad",
				StatusCode: 500,
			},
			wantLevel: "ERROR",
			check: func(t *testing.T, m map[string]any) {
				if _, ok := m["route"]; ok {
					t.Error("route should be omitted when empty")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			al := NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)), nil)
			al.Log(tt.entry)

			var m map[string]any
			if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if m["msg"] != "access" {
				t.Errorf("msg = %v, want access", m["msg"])
			}
			if m["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", m["level"], tt.wantLevel)
			}
			tt.check(t, m)
		})
	}
}

func TestAccessLogger_Middleware(t *testing.T) {
	var buf bytes.Buffer
	m := NewMetrics()
	al := NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)), m)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(al.Middleware)
	r.Get("/api/certs/{host}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short"))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/certs/example.com", nil)
	req.Header.Set("User-Agent", "curl/8.0")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["route"] != "/api/certs/{host}" {
		t.Errorf("route = %v", entry["route"])
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("status = %v, want 418", entry["status"])
	}
	if entry["bytes"] != float64(5) {
		t.Errorf("bytes = %v, want 5", entry["bytes"])
	}
	if entry["user_agent"] != "curl/8.0" {
		t.Errorf("user_agent = %v", entry["user_agent"])
	}
	if id, _ := entry["request_id"].(string); id == "" {
		t.Error("expected request_id from chi middleware")
	}

	if got := testutil.ToFloat64(m.adminRequests.WithLabelValues("/api/certs/{host}", "4xx")); got != 1 {
		t.Errorf("admin requests = %v, want 1", got)
	}
}
