package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultNamespace(t *testing.T) {
	r := New("")
	require.NotNil(t, r)
	r.ObserveNode("risk", "succeeded", 1, "", 50*time.Millisecond)
	r.ObserveWorkflow("completed", time.Second)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "veriflow_node_duration_seconds")
	assert.Contains(t, rec.Body.String(), "veriflow_workflows_total")
}

func TestRegistry_NilSafe(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.ObserveNode("risk", "failed", 3, "timeout", time.Second)
		r.ObserveWorkflow("failed", time.Second)
	})
}

func TestNew_CustomNamespaceIsolatesRegistries(t *testing.T) {
	a := New("orch_a")
	b := New("orch_b")
	a.WorkflowsInFlight.Set(2)
	b.WorkflowsInFlight.Set(5)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "orch_a_workflows_in_flight 2")
	assert.NotContains(t, rec.Body.String(), "orch_b_workflows_in_flight")
}
