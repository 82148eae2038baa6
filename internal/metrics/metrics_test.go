package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Transition("respond", "ok")
		m.PendingDelta(1)
		m.CASConflict()
		m.Notification("email", "delivered")
		m.QueueDepth(3)
		m.Dropped()
		m.Expired()
		m.Reminder()
		m.HTTPRequest("GET", "/healthz", 200)
	})
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Transition("respond", "ok")
	m.Transition("respond", "ok")
	m.Dropped()

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				values[f.GetName()] += c.GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, values["bypassd_transitions_total"])
	assert.Equal(t, 1.0, values["bypassd_notifications_dropped_total"])

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "bypassd_transitions_total"))
}
