package log

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(t *testing.T, path string) (map[string]interface{}, *httptest.ResponseRecorder) {
	t.Helper()
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "info"}, &buf)

	h := HTTPMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if buf.Len() == 0 {
		return nil, rec
	}
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v: %s", err, buf.String())
	}
	return line, rec
}

func TestHTTPMiddlewareLogsRequest(t *testing.T) {
	line, rec := serve(t, "/api/v1/broadcasts/count")
	if line == nil {
		t.Fatal("no log line written")
	}
	if line[FieldStatus] != float64(http.StatusTeapot) || line[FieldPath] != "/api/v1/broadcasts/count" {
		t.Errorf("log line = %v", line)
	}
	if line[FieldRequestID] == "" || rec.Header().Get(headerRequestID) != line[FieldRequestID] {
		t.Errorf("request id header %q does not match log %v", rec.Header().Get(headerRequestID), line[FieldRequestID])
	}
}

func TestHTTPMiddlewareQuietsProbes(t *testing.T) {
	if line, _ := serve(t, "/health"); line != nil {
		t.Errorf("health probe logged at info: %v", line)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]string{"debug": "debug", " WARN ": "warn", "off": "disabled", "bogus": "info"} {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
