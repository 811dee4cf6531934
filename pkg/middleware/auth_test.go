package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newEngine(token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", RequireToken(token), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestRequireToken(t *testing.T) {
	r := newEngine("secret")

	tests := []struct {
		name   string
		url    string
		header string
		want   int
	}{
		{"missing", "/x", "", http.StatusUnauthorized},
		{"bearer", "/x", "Bearer secret", http.StatusNoContent},
		{"wrong bearer", "/x", "Bearer nope", http.StatusUnauthorized},
		{"not bearer", "/x", "Basic secret", http.StatusUnauthorized},
		{"query", "/x?token=secret", "", http.StatusNoContent},
		{"wrong query", "/x?token=nope", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set(AuthHeaderKey, tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequireToken_Disabled(t *testing.T) {
	rec := httptest.NewRecorder()
	newEngine("").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}
