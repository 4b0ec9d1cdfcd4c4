package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func serve(router *gin.Engine, method, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/ping", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddlewareSetsHardeningHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(HeadersMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.String(200, "ok") })

	w := serve(router, "GET", "")

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"X-XSS-Protection":       "1; mode=block",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	for name, value := range want {
		if got := w.Header().Get(name); got != value {
			t.Errorf("%s = %q, want %q", name, got, value)
		}
	}

	csp := w.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "default-src 'self'") {
		t.Errorf("CSP missing default-src: %q", csp)
	}
	if !strings.Contains(csp, "wss:") {
		t.Errorf("CSP must permit the websocket feed: %q", csp)
	}
}

func TestCORSMiddlewareOriginFiltering(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		allowed []string
		origin  string
		granted bool
	}{
		{"listed origin granted", []string{"https://app.tradeshield.io"}, "https://app.tradeshield.io", true},
		{"unlisted origin denied", []string{"https://app.tradeshield.io"}, "https://attacker.example", false},
		{"wildcard grants anyone", []string{"*"}, "https://anywhere.example", true},
		{"empty list grants anyone", nil, "https://anywhere.example", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := gin.New()
			router.Use(CORSMiddleware(tc.allowed))
			router.GET("/ping", func(c *gin.Context) { c.String(200, "ok") })

			w := serve(router, "GET", tc.origin)
			got := w.Header().Get("Access-Control-Allow-Origin") != ""
			if got != tc.granted {
				t.Fatalf("origin granted = %v, want %v", got, tc.granted)
			}
		})
	}
}

func TestCORSNeverCombinesWildcardWithCredentials(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORSMiddleware([]string{"*"}))
	router.GET("/ping", func(c *gin.Context) { c.String(200, "ok") })

	w := serve(router, "GET", "https://anywhere.example")
	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatal("credentials must not be allowed for wildcard origins")
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORSMiddleware([]string{"*"}))
	router.GET("/ping", func(c *gin.Context) { c.String(200, "ok") })

	w := serve(router, "OPTIONS", "https://app.tradeshield.io")
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatal("preflight response missing allowed methods")
	}
}
