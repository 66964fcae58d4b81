package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDomainCounters(t *testing.T) {
	before := testutil.ToFloat64(tokensIssued.WithLabelValues("minted"))
	TokenIssued("minted")
	after := testutil.ToFloat64(tokensIssued.WithLabelValues("minted"))
	if after != before+1 {
		t.Fatalf("minted counter = %v, want %v", after, before+1)
	}

	before = testutil.ToFloat64(validations.WithLabelValues("revoked"))
	ValidationChecked("revoked")
	if got := testutil.ToFloat64(validations.WithLabelValues("revoked")); got != before+1 {
		t.Fatalf("validation counter = %v, want %v", got, before+1)
	}
}

func TestSetReady(t *testing.T) {
	SetReady(true)
	if got := testutil.ToFloat64(ready); got != 1 {
		t.Fatalf("ready = %v, want 1", got)
	}
	SetReady(false)
	if got := testutil.ToFloat64(ready); got != 0 {
		t.Fatalf("ready = %v, want 0", got)
	}
}

func TestInstrumentRecordsStatus(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/x", "418"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/x", "418")); got != before+1 {
		t.Fatalf("requests counter = %v, want %v", got, before+1)
	}
}
