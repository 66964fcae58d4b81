package httpapi

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/hushh-labs/consent-protocol-sub002/internal/consent"
	"github.com/hushh-labs/consent-protocol-sub002/internal/obs"
	"github.com/hushh-labs/consent-protocol-sub002/internal/stream"
)

// ReadyProbe reports backing-store readiness (DB ping when configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the consent service.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	svc        *consent.Service
	stream     *stream.Stream

	rateBurst  int
	ratePerSec int
}

// New wires routes for the consent protocol endpoints.
func New(rp ReadyProbe, version string, svc *consent.Service, st *stream.Stream) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		svc:        svc,
		stream:     st,
		rateBurst:  20,
		ratePerSec: 10,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/consent/issue", a.handleIssue)
	a.mux.HandleFunc("/v1/consent/validate", a.handleValidate)
	a.mux.HandleFunc("/v1/consent/revoke", a.handleRevoke)
	a.mux.HandleFunc("/v1/consent/request", a.handleRequest)
	a.mux.HandleFunc("/v1/consent/request/", a.handleRequestResource)
	a.mux.HandleFunc("/v1/consent/pending", a.handlePending)
	a.mux.HandleFunc("/v1/consent/history", a.handleHistory)
	a.mux.HandleFunc("/v1/consent/events", a.Stream)

	a.mux.HandleFunc("/v1/export/retrieve", a.handleRetrieveExport)

	a.mux.HandleFunc("/v1/trustlink/issue", a.handleTrustLinkIssue)
	a.mux.HandleFunc("/v1/trustlink/verify", a.handleTrustLinkVerify)
	a.mux.HandleFunc("/v1/trustlink/revoke", a.handleTrustLinkRevoke)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = RequestID(h)
	h = Logging(h)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	return obs.Instrument(h)
}
