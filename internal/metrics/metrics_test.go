package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RecordRound(t *testing.T) {
	c := NewCollector(false)

	c.RecordRound("completed", 12*time.Second, 0)
	c.RecordRound("discarded_stragglers", 180*time.Second, 2)
	c.RecordRound("completed", 8*time.Second, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.roundsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.roundsTotal.WithLabelValues("discarded_stragglers")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.stragglersTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(c.roundDuration))
}

func TestCollector_Gauges(t *testing.T) {
	c := NewCollector(false)
	c.SetRound(7)
	c.SetExploration(0.42)
	c.SetFleet(100, 3)

	assert.Equal(t, 7.0, testutil.ToFloat64(c.currentRound))
	assert.InDelta(t, 0.42, testutil.ToFloat64(c.explorationRate), 1e-12)
	assert.Equal(t, 100.0, testutil.ToFloat64(c.registeredClients))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.blacklisted))
}

func TestCollector_CheckpointAndSelection(t *testing.T) {
	c := NewCollector(false)
	c.Checkpoint(nil)
	c.Checkpoint(errors.New("disk full"))
	c.Checkpoint(errors.New("disk full"))
	c.RecordSelection("oort", 4)
	c.RecordSelection("oort", 4)
	c.RecordReports(3, 1, 0)
	c.EmptyPool()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.checkpointWrites))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.checkpointFailures))
	assert.Equal(t, 8.0, testutil.ToFloat64(c.selectedTotal.WithLabelValues("oort")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.clientReports.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.emptyPoolRetries))
}

func TestCollector_IndependentRegistries(t *testing.T) {
	a := NewCollector(false)
	b := NewCollector(false)
	a.EmptyPool()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.emptyPoolRetries))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(true)
	c.RecordHTTPRequest("GET", "/api/v1/health", "200")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "flround_http_requests_total"), "missing api counter")
	assert.True(t, strings.Contains(text, "go_goroutines"), "missing runtime collector")
}
