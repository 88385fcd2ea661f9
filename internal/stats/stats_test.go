package stats

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
	assert.Equal(t, "GET /debug/vars", pattern, "expected handler to be registered for GET method on /debug/vars")
}

func TestStatsUpdater_Counters(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	for _, name := range Metrics {
		su.RegisterMetric(name)
	}
	su.Run()
	defer su.Stop()

	su.Incr(NumActiveSessions)
	su.Incr(NumActiveSessions)
	su.Decr(NumActiveSessions)
	su.Incr(NumAssistantInvocations)

	assert.Eventually(t, func() bool {
		return su.vars.Get(NumActiveSessions).String() == "1" &&
			su.vars.Get(NumAssistantInvocations).String() == "1"
	}, time.Second, 10*time.Millisecond)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body[NumActiveSessions])
	assert.EqualValues(t, 0, body[NumRateLimited])
	assert.Contains(t, body, "Uptime")
}

func TestStatsUpdater_StopDropsUpdates(t *testing.T) {
	su := NewStatsUpdater(http.NewServeMux())
	su.RegisterMetric(NumMessagesSent)
	su.Run()
	su.Stop()
	su.Stop()

	assert.NotPanics(t, func() {
		for i := 0; i < 1000; i++ {
			su.Incr(NumMessagesSent)
		}
	})
}
