package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/timmy/claimexport/internal/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestCORS(t *testing.T) {
	testCases := []struct {
		name       string
		config     CORSConfig
		origin     string
		method     string
		wantOrigin string
		wantStatus int
	}{
		{name: "wildcard", config: CORSConfig{AllowAllOrigins: true}, origin: "https://a.test", method: "GET", wantOrigin: "*", wantStatus: 200},
		{name: "listed origin", config: CORSConfig{AllowedOrigins: []string{"https://A.test"}}, origin: "https://a.test", method: "GET", wantOrigin: "https://a.test", wantStatus: 200},
		{name: "unlisted origin", config: CORSConfig{AllowedOrigins: []string{"https://a.test"}}, origin: "https://b.test", method: "GET", wantOrigin: "", wantStatus: 200},
		{name: "preflight", config: CORSConfig{AllowAllOrigins: true}, origin: "https://a.test", method: "OPTIONS", wantOrigin: "*", wantStatus: 204},
		{name: "no origin", config: CORSConfig{AllowAllOrigins: true}, origin: "", method: "GET", wantOrigin: "", wantStatus: 200},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.Use(CORS(tc.config))
			r.Handle(tc.method, "/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(tc.method, "/x", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tc.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tc.wantOrigin)
			}
			if w.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tc.wantStatus)
			}
		})
	}
}

func TestLoggerMiddlewareRequestID(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&logger.Config{Level: "debug", Format: "json", Output: &buf, ServiceName: "test"})

	r := gin.New()
	r.Use(LoggerMiddleware(log))
	var seen string
	r.GET("/x", func(c *gin.Context) {
		seen = logger.GetRequestID(c.Request.Context())
		GetLogger(c).Info("inside handler")
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Header().Get(RequestIDHeader) != "req-123" || seen != "req-123" {
		t.Errorf("request id header=%q ctx=%q", w.Header().Get(RequestIDHeader), seen)
	}
	if !strings.Contains(buf.String(), `"request_id":"req-123"`) {
		t.Errorf("logs missing request id: %s", buf.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
	if len(w.Header().Get(RequestIDHeader)) != 36 {
		t.Errorf("generated request id = %q", w.Header().Get(RequestIDHeader))
	}
}
