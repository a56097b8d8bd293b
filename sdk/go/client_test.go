package updatebotsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCrawlSendsTokenAndFilter(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v0/crawl", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"roots":[{"root_id":"r1","name":"Mooring A","changed":true,"regenerated":2,"log":[{"depth":0,"node_id":"r1","level":"info","kind":"visit","message":"processing deployment Mooring A"}]}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BearerToken = "tok"
	report, err := c.Crawl(context.Background(), "Mooring A")
	require.NoError(t, err)
	require.Equal(t, "Bearer tok", gotAuth)
	require.Equal(t, "Mooring A", gotBody["deployment"])
	require.Len(t, report.Roots, 1)
	require.True(t, report.Roots[0].Changed)
	require.Equal(t, "visit", report.Roots[0].Log[0].Kind)
}

func TestEventsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "r1", q.Get("root_id"))
		require.Equal(t, "error", q.Get("level"))
		require.Equal(t, "10", q.Get("limit"))
		require.Empty(t, q.Get("type"))
		w.Write([]byte(`{"items":[{"id":7,"type":"artifact.logged","level":"error","entity_kind":"artifact"}],"next_cursor":"7"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL).Events(context.Background(), EventQuery{RootID: "r1", Level: "error", Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "7", page.NextCursor)
}

func TestErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"not_found"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Deployment(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
