package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWireRequest(t *testing.T) {
	c := wireRequestsTotal.WithLabelValues("GET", "true", "error")
	before := testutil.ToFloat64(c)
	RecordWireRequest("GET", true, false, 10*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}

func TestSetNetworkOnline(t *testing.T) {
	SetNetworkOnline(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(networkOnline))
	SetNetworkOnline(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(networkOnline))
}

func TestSetFeatureStateIsExclusive(t *testing.T) {
	all := []string{"uninitialized", "initialized", "failed"}
	SetFeatureState("memory", "initialized", all)
	assert.Equal(t, 1.0, testutil.ToFloat64(featureState.WithLabelValues("memory", "initialized")))
	assert.Equal(t, 0.0, testutil.ToFloat64(featureState.WithLabelValues("memory", "failed")))

	SetFeatureState("memory", "failed", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(featureState.WithLabelValues("memory", "initialized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(featureState.WithLabelValues("memory", "failed")))
}

func TestRecordSyncCycle(t *testing.T) {
	failed := syncCyclesTotal.WithLabelValues("error")
	pushed := syncItemsTotal.WithLabelValues("push")
	before, beforePushed := testutil.ToFloat64(failed), testutil.ToFloat64(pushed)

	RecordSyncCycle(3, 0, errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(failed))
	assert.Equal(t, beforePushed+3, testutil.ToFloat64(pushed))
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordSyncConflict()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "remotesync_sync_conflicts_total"))
}
