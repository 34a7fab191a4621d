package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huntlog/huntlog/pkg/types"
)

func TestSessionEventsQueryParams(t *testing.T) {
	var gotPath string
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		_ = json.NewEncoder(w).Encode([]types.Event{{ID: "e1", SessionID: "s1"}})
	}))
	defer srv.Close()

	evs, err := New(srv.URL).SessionEvents(context.Background(), "s1", types.EventQuery{
		Limit:  10,
		Offset: 5,
		Asc:    true,
	})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "/api/v1/sessions/s1/events", gotPath)
	assert.Equal(t, []string{"10"}, gotQuery["limit"])
	assert.Equal(t, []string{"5"}, gotQuery["offset"])
	assert.Equal(t, []string{"asc"}, gotQuery["order"])
}

func TestErrorIncludesServerBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"limit must be 1..1000"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).SessionEvents(context.Background(), "s1", types.EventQuery{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit must be 1..1000")
}

func TestResetSendsConfirmation(t *testing.T) {
	var confirmed string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		confirmed = r.URL.Query().Get("confirm")
		_, _ = w.Write([]byte(`{"status":"reset"}`))
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL).Reset(context.Background()))
	assert.Equal(t, "true", confirmed)
}

func TestSubmitRecordPostsJSON(t *testing.T) {
	var got types.Record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	rec := types.Record{Command: "whoami", SessionID: "s1"}
	require.NoError(t, New(srv.URL).SubmitRecord(context.Background(), rec))
	assert.Equal(t, rec, got)
}
