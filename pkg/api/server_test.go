package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/reactivedb/pkg/datastore"
	"github.com/ssargent/reactivedb/pkg/expr"
	"github.com/ssargent/reactivedb/pkg/transform"
)

// testMetrics is shared across this file's tests: promauto registers
// every collector with the default Prometheus registry, so a second
// NewMetrics call in the same test binary panics on duplicate
// registration.
var (
	testMetricsOnce sync.Once
	testMetrics     *Metrics
)

func sharedTestMetrics() *Metrics {
	testMetricsOnce.Do(func() { testMetrics = NewMetrics() })
	return testMetrics
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ds := datastore.New(t.TempDir(), 5)
	require.NoError(t, ds.AddSourceTable("S"))
	require.NoError(t, ds.AddDerivedTable("D", &transform.Filter{
		Expression: expr.ComparisonExpression{Op: expr.GT, Left: expr.FieldValue("age"), Right: expr.ScalarValue(float64(18))},
		Source:     "S", Destination: "D",
	}))
	require.NoError(t, ds.AddData("S", "a", map[string]interface{}{"age": float64(21)}))
	t.Cleanup(func() { ds.Close() })
	return NewServer(ds, sharedTestMetrics())
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "ok", resp.Data)
}

func TestHandleStats(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.handleStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), data["tables"])
}

func TestHandleDebugTables(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.handleDebugTables(rec, httptest.NewRequest(http.MethodGet, "/debug/tables", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	infos, ok := resp.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, infos, 2)
}
