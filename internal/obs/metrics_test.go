package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Instrument)
	r.Get("/v1/roles/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/roles/{id}", "204"))
	for _, id := range []string{"a", "b", "c"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/roles/"+id, nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("unexpected status %d", rr.Code)
		}
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/roles/{id}", "204"))
	if after-before != 3 {
		t.Fatalf("expected 3 requests under one pattern, got %v", after-before)
	}

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope/123", nil))
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")); got < 1 {
		t.Fatalf("expected unmatched label, got %v", got)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	InitBuildInfo("dev", "abc")
	InitBuildInfo("dev", "def")
	if got := testutil.ToFloat64(buildInfo.WithLabelValues("dev", "def")); got != 1 {
		t.Fatalf("build_info=%v", got)
	}
}

func TestObserveTokenRejectionDefaultsReason(t *testing.T) {
	before := testutil.ToFloat64(authTokenRejections.WithLabelValues("access", "unknown"))
	ObserveTokenRejection("access", "")
	if got := testutil.ToFloat64(authTokenRejections.WithLabelValues("access", "unknown")); got-before != 1 {
		t.Fatalf("expected one unknown rejection, got %v", got-before)
	}
}

func TestSetOutputCapturesJSON(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	defer restore()

	l := Logger()
	l.Info().Str("k", "v").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not JSON: %v", err)
	}
	for _, key := range []string{"ts", "level", "msg", "service", "k"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing %q in %v", key, entry)
		}
	}

	SetLevel("warn")
	defer SetLevel("info")
	buf.Reset()
	l = Logger()
	l.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be dropped at warn level: %s", buf.String())
	}
}
