package collaborators

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/veriflow/internal/domain"
)

func TestHTTPCollaborator_Apply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"veracity_score": 0.42}`))
	}))
	defer srv.Close()

	c := NewHTTPCollaborator(srv.URL, time.Second)
	out, err := c.Apply(context.Background(), map[string]any{"claim": "some text"})
	require.NoError(t, err)
	assert.Equal(t, 0.42, out["veracity_score"])
}

func TestHTTPCollaborator_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := NewHTTPCollaborator(srv.URL, time.Second)
	_, err := c.Apply(context.Background(), map[string]any{})
	assert.Error(t, err)
}

func TestBuild_OverridesOnlyConfiguredNodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"risk_score": 0.9}`))
	}))
	defer srv.Close()

	set := Build(map[string]string{
		string(domain.NodeRiskScore): srv.URL,
		"not_a_real_node":            "http://ignored",
	}, time.Second)

	require.Len(t, set, len(Defaults()))

	out, err := set[domain.NodeRiskScore].Apply(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0.9, out["risk_score"])

	_, isHTTP := set[domain.NodeNormalize].(*HTTPCollaborator)
	assert.False(t, isHTTP)
}
