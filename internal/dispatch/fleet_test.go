package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/me/flround/internal/logging"
	"github.com/me/flround/internal/oracle"
	"github.com/me/flround/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource map[int]model.Client

func (m mapSource) Get(id int) (model.Client, bool) {
	c, ok := m[id]
	return c, ok
}

func drain(ch <-chan model.Report) []model.Report {
	var out []model.Report
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func assignments(round int, ids ...int) []model.Assignment {
	out := make([]model.Assignment, len(ids))
	for i, id := range ids {
		out[i] = model.Assignment{Round: round, ClientID: id, ModelRef: "m", Epochs: 5}
	}
	return out
}

func newTestFleet(distro model.TraceDistro, clients mapSource) *Fleet {
	orc := oracle.NewSimulated(0, distro, 5)
	return NewFleet(clients, orc, oracle.NewSimClock(), FleetConfig{Seed: 0, Epochs: 5, Workers: 2}, logging.Discard())
}

func drainMust(t *testing.T, f *Fleet, as []model.Assignment) []model.Report {
	t.Helper()
	ch, err := f.Dispatch(context.Background(), as[0].Round, as)
	require.NoError(t, err)
	return drain(ch)
}

func TestFleet_ReportsInArrivalOrderAndCloses(t *testing.T) {
	clients := mapSource{}
	for id := 0; id < 6; id++ {
		clients[id] = model.Client{ID: id, Speed: float64(id + 1), Samples: 100}
	}
	reports := drainMust(t, newTestFleet(model.TraceHighAvail, clients), assignments(2, 0, 1, 2, 3, 4, 5))
	require.NotEmpty(t, reports, "no reports from a high-availability fleet")

	for i, r := range reports {
		assert.Equal(t, 2, r.Round)
		assert.True(t, r.Success)
		if assert.NotNil(t, r.Update, "report %d", i) {
			assert.Equal(t, 100, r.Update.NumSamples, "client %d", r.ClientID)
		}
		if i > 0 {
			assert.GreaterOrEqual(t, r.Duration, reports[i-1].Duration, "arrival order at %d", i)
		}
	}
}

func TestFleet_Deterministic(t *testing.T) {
	clients := mapSource{}
	for id := 0; id < 10; id++ {
		clients[id] = model.Client{ID: id, Speed: 3, Samples: 50}
	}
	ids := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	a := drainMust(t, newTestFleet(model.TraceAverage, clients), assignments(0, ids...))
	b := drainMust(t, newTestFleet(model.TraceAverage, clients), assignments(0, ids...))
	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].ClientID, b[i].ClientID, "report %d", i)
		assert.Equal(t, a[i].Duration, b[i].Duration, "report %d", i)
	}
}

func TestFleet_OfflineClientsDoNotReport(t *testing.T) {
	orc := oracle.NewSimulated(0, model.TraceLowAvail, 5)
	clock := oracle.NewSimClock()
	clients := mapSource{}
	var ids []int
	for id := 0; id < 40; id++ {
		clients[id] = model.Client{ID: id, Speed: 60, Samples: 10}
		ids = append(ids, id)
	}
	f := NewFleet(clients, orc, clock, FleetConfig{Epochs: 5}, logging.Discard())
	reports := drainMust(t, f, assignments(0, ids...))

	for _, r := range reports {
		c := clients[r.ClientID]
		d := time.Duration(r.Duration * float64(time.Second))
		assert.True(t, orc.OnlineThrough(c, clock.Now(), d), "client %d reported while its trace has it offline", r.ClientID)
	}
	assert.Less(t, len(reports), len(ids), "some low-availability clients drop out")
}

func TestFleet_UnknownClient(t *testing.T) {
	f := newTestFleet(model.TraceHighAvail, mapSource{})
	_, err := f.Dispatch(context.Background(), 0, assignments(0, 7))
	assert.Error(t, err)
}

func TestFleet_Cancelled(t *testing.T) {
	f := newTestFleet(model.TraceHighAvail, mapSource{1: {ID: 1, Speed: 1}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Dispatch(ctx, 0, assignments(0, 1))
	assert.ErrorIs(t, err, context.Canceled)
}
