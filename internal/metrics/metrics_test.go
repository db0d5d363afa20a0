package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInit_Idempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, namusRequestsTotal)
	require.NotNil(t, limiterInUse)
	require.NotNil(t, httpRequestsTotal)
}

func TestObserveRequest(t *testing.T) {
	Init()
	before := testutil.ToFloat64(namusRequestsTotal.WithLabelValues("get_record", OutcomeStatus))

	ObserveRequest("get_record", OutcomeStatus, 20*time.Millisecond)

	after := testutil.ToFloat64(namusRequestsTotal.WithLabelValues("get_record", OutcomeStatus))
	require.InDelta(t, before+1, after, 0.0001)
	require.Positive(t, testutil.CollectAndCount(namusRequestDurationSeconds))
}

func TestLimiterGauges(t *testing.T) {
	SetLimiterCapacity("test", 5)
	SetLimiterInUse("test", 3)

	require.InDelta(t, 5, testutil.ToFloat64(limiterCapacity.WithLabelValues("test")), 0.0001)
	require.InDelta(t, 3, testutil.ToFloat64(limiterInUse.WithLabelValues("test")), 0.0001)
}

func TestObserveCacheLookup(t *testing.T) {
	Init()
	before := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit"))
	ObserveCacheLookup("hit")
	require.InDelta(t, before+1, testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit")), 0.0001)
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/mw-ok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/mw-missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	teapotBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))

	for _, path := range []string{"/mw-ok", "/mw-missing"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, okBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")), 0.0001)
	require.InDelta(t, teapotBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")), 0.0001)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
