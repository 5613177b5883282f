package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.RecordProcessed(ResultEvent)
	m.RecordProcessed(ResultEvent)
	m.RecordProcessed(ResultMalformed)
	m.AlertEmitted("FAST_SCAN")
	m.SinkFailed("siem")
	m.AlertDropped()
	m.IngestDropped("syslog_udp")
	m.SetTrackedSources(3)
	m.SourcesSwept(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.records.WithLabelValues(ResultEvent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.records.WithLabelValues(ResultMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alerts.WithLabelValues("FAST_SCAN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sinkFailures.WithLabelValues("siem")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alertsDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingestDropped.WithLabelValues("syslog_udp")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.trackedSources))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sweptSources))
}

func TestNilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordProcessed(ResultEvent)
	m.AlertEmitted("SLOW_SCAN")
	m.SinkFailed("email")
	m.AlertDropped()
	m.IngestDropped("rest")
	m.SetTrackedSources(1)
	m.SourcesSwept(1)
	m.ObserveProcessing(0.1)
	m.SetAlertQueue(1)
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.AlertEmitted("SLOW_SCAN")
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `scanguard_alerts_total{kind="SLOW_SCAN"} 1`))
}
