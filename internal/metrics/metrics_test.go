package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersAndReuse(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Decision(true)
	m.Decision(false)
	m.Decision(true)
	m.Regeneration("ok", time.Second)
	m.NodeWrite("saved")
	m.Root(true)
	m.Crawl(2 * time.Second)

	require.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("stale")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.regenerations.WithLabelValues("ok")))

	again := New(reg)
	again.Decision(true)
	require.Equal(t, 3.0, testutil.ToFloat64(m.decisions.WithLabelValues("stale")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Decision(true)
	m.Regeneration("ok", time.Second)
	h := m.Instrument(http.NotFoundHandler())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestInstrument(t *testing.T) {
	m := New(prometheus.NewRegistry())
	h := m.Instrument(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/x", nil))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("POST", "418")))
}
