package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/clive/apps/relevance/internal/models"
)

func TestClientSendsAuthAndDecodes(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.RequestURI()
		var req models.RetrieveRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "refunds", req.Query)
		_ = json.NewEncoder(w).Encode(models.RetrieveResponse{
			Results: []models.RetrieveResult{{ID: "r1"}},
			Meta:    models.RetrieveMeta{Returned: 1},
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "k")
	resp, err := c.Retrieve(context.Background(), &models.RetrieveRequest{OwnerID: "o1", Query: "refunds", K: 1})
	require.NoError(t, err)
	assert.Equal(t, "Bearer k", gotAuth)
	assert.Equal(t, "/retrieve", gotPath)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "r1", resp.Results[0].ID)
}

func TestClientListPatterns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("active_only"))
		assert.Equal(t, "o1", r.URL.Query().Get("owner"))
		_ = json.NewEncoder(w).Encode([]models.SpamPattern{{ID: "p1"}, {ID: "p2"}})
	}))
	defer srv.Close()

	patterns, err := New(srv.URL, "").ListPatterns(context.Background(), "o1", true)
	require.NoError(t, err)
	assert.Len(t, patterns, 2)
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"conversation closed"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").MergeContext(context.Background(), "c1", &models.Signal{OwnerID: "o1"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "conversation closed", apiErr.Message)
}
