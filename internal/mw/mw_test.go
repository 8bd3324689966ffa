package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func newEngine(h ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(h...)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.OPTIONS("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Hour), 2, time.Minute)
	r := newEngine(rl.Middleware())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [200 200 429]", codes)
	}

	// 不同 IP 使用独立的桶。
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("other ip status = %d, want 200", w.Code)
	}
}

func TestRateLimit_Sweep(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(rate.Every(time.Hour), 1, time.Minute)
	rl.now = func() time.Time { return now }
	rl.get("a")
	now = now.Add(2 * time.Minute)
	rl.get("b")
	rl.sweep()
	if _, ok := rl.m["a"]; ok {
		t.Error("idle bucket was not swept")
	}
	if _, ok := rl.m["b"]; !ok {
		t.Error("active bucket was swept")
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		env        string
		allowed    []string
		origin     string
		method     string
		wantOrigin string
		wantCode   int
	}{
		{"dev allows any", "dev", nil, "http://localhost:5173", http.MethodGet, "http://localhost:5173", http.StatusOK},
		{"prod same host", "prod", nil, "http://example.com", http.MethodGet, "http://example.com", http.StatusOK},
		{"prod host substring rejected", "prod", nil, "http://example.com.evil.test", http.MethodGet, "", http.StatusOK},
		{"prod allow list", "prod", []string{"https://app.example.org/"}, "https://app.example.org", http.MethodGet, "https://app.example.org", http.StatusOK},
		{"prod not listed", "prod", []string{"https://app.example.org"}, "https://other.example.org", http.MethodGet, "", http.StatusOK},
		{"preflight allowed", "dev", nil, "http://localhost:5173", http.MethodOptions, "http://localhost:5173", http.StatusNoContent},
		{"preflight rejected", "prod", nil, "https://evil.test", http.MethodOptions, "", http.StatusForbidden},
		{"no origin", "prod", nil, "", http.MethodGet, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newEngine(CORS(tt.env, tt.allowed))
			req := httptest.NewRequest(tt.method, "http://example.com/ping", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}
