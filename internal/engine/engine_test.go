package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sosnow/sosrelay/internal/alert"
	"github.com/sosnow/sosrelay/internal/audit"
	"github.com/sosnow/sosrelay/internal/config"
	"github.com/sosnow/sosrelay/internal/coverage"
	"github.com/sosnow/sosrelay/internal/event"
	"github.com/sosnow/sosrelay/internal/geo"
	"github.com/sosnow/sosrelay/internal/metrics"
)

// journal records audit writes and broadcasts in the order they happen.
type journal struct {
	mu      sync.Mutex
	entries []string
	failing bool
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) Record(_ context.Context, r audit.Record) error {
	j.mu.Lock()
	failing := j.failing
	j.mu.Unlock()
	if failing {
		return errors.New("disk full")
	}
	j.add(fmt.Sprintf("audit %s %s", r.Event, r.AlertID))
	return nil
}

func (j *journal) Close() error { return nil }

func (j *journal) AlertAdded(a alert.Alert)     { j.add("added " + a.ID) }
func (j *journal) AlertRemoved(id string)       { j.add("removed " + id) }
func (j *journal) CoverageChanged(c geo.Circle) { j.add(fmt.Sprintf("coverage %g", c.RadiusKm)) }

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) count(entry string) int {
	n := 0
	for _, e := range j.snapshot() {
		if e == entry {
			n++
		}
	}
	return n
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("A%d", n.Add(1)) }
}

func newTestEngine(t *testing.T, circle geo.Circle) (*Engine, *journal) {
	t.Helper()
	j := &journal{}
	e := New(context.Background(), Deps{
		Store:    alert.NewStore(),
		Coverage: coverage.NewRegistry(circle),
		Sink:     j,
		Fanout:   j,
		NewID:    sequentialIDs(),
	}, config.EngineConf{QueueDepth: 64})
	t.Cleanup(e.Shutdown)
	return e, j
}

func flush(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Flush(ctx))
}

func payload(lat, lon float64) []byte {
	return []byte(fmt.Sprintf(`{"type":"SOS","userName":"Ana","userNumber":"+63917","latitude":%v,"longitude":%v}`, lat, lon))
}

func radius(km float64) coverage.Update { return coverage.Update{RadiusKm: &km} }

func TestIngestFiltersByCoverage(t *testing.T) {
	e, j := newTestEngine(t, geo.Circle{RadiusKm: 500})

	a, err := e.Ingest(payload(0.01, 0.01))
	require.NoError(t, err)
	assert.Equal(t, "A1", a.ID)
	assert.Equal(t, "SOS", a.Kind)
	assert.Equal(t, "Ana", a.ReporterName)
	assert.False(t, a.ReceivedAt.IsZero())

	_, err = e.Ingest(payload(80, 80))
	require.ErrorIs(t, err, ErrOutOfCoverage)

	flush(t, e)
	assert.Equal(t, []string{"audit received A1", "added A1"}, j.snapshot())

	snap := e.SessionJoined()
	require.Len(t, snap.Alerts, 1)
	assert.Equal(t, "A1", snap.Alerts[0].ID)
	assert.Equal(t, geo.Circle{RadiusKm: 500}, snap.Coverage)
}

func TestIngestRejectsInvalidPayloads(t *testing.T) {
	e, j := newTestEngine(t, geo.Circle{RadiusKm: 500})

	_, err := e.Ingest([]byte("not json"))
	require.ErrorIs(t, err, event.ErrMalformedPayload)

	_, err = e.Ingest([]byte(`{"type":"SOS","latitude":"north","longitude":0}`))
	require.ErrorIs(t, err, event.ErrMissingCoordinates)

	_, err = e.Ingest([]byte(`{"latitude":0.01,"longitude":0.01} }}not json`))
	require.ErrorIs(t, err, event.ErrMalformedPayload)

	flush(t, e)
	assert.Empty(t, j.snapshot())
	assert.Empty(t, e.SessionJoined().Alerts)
}

func TestIngestDuplicateIDIsInternalError(t *testing.T) {
	j := &journal{}
	store := alert.NewStore()
	e := New(context.Background(), Deps{
		Store:    store,
		Coverage: coverage.NewRegistry(geo.Circle{RadiusKm: 500}),
		Sink:     j,
		Fanout:   j,
		NewID:    func() string { return "same" },
	}, config.EngineConf{})
	t.Cleanup(e.Shutdown)

	first, err := e.Ingest(payload(0.01, 0.01))
	require.NoError(t, err)
	_, err = e.Ingest(payload(0.02, 0.02))
	require.ErrorIs(t, err, alert.ErrDuplicateID)

	got, ok := store.Get("same")
	require.True(t, ok)
	assert.Equal(t, first, got)

	flush(t, e)
	assert.Equal(t, []string{"audit received same", "added same"}, j.snapshot())
}

func TestAcknowledge(t *testing.T) {
	e, j := newTestEngine(t, geo.Circle{RadiusKm: 500})
	a, err := e.Ingest(payload(0, 0.1))
	require.NoError(t, err)

	require.NoError(t, e.Acknowledge(a.ID))
	require.ErrorIs(t, e.Acknowledge(a.ID), alert.ErrNotFound)
	require.ErrorIs(t, e.Acknowledge("nope"), alert.ErrNotFound)

	flush(t, e)
	assert.Equal(t, []string{
		"audit received A1", "added A1",
		"audit acknowledged A1", "removed A1",
	}, j.snapshot())
}

func TestAcknowledgeConcurrentlyOnlyOneWins(t *testing.T) {
	e, j := newTestEngine(t, geo.Circle{RadiusKm: 500})
	a, err := e.Ingest(payload(0, 0.1))
	require.NoError(t, err)

	const callers = 8
	var wins, misses atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			switch err := e.Acknowledge(a.ID); {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, alert.ErrNotFound):
				misses.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	flush(t, e)

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(callers-1), misses.Load())
	assert.Equal(t, 1, j.count("audit acknowledged A1"))
	assert.Equal(t, 1, j.count("removed A1"))
}

func TestUpdateCoverageToZeroExpiresEverything(t *testing.T) {
	e, j := newTestEngine(t, geo.Circle{RadiusKm: 500})
	_, err := e.Ingest(payload(0.01, 0.01))
	require.NoError(t, err)
	_, err = e.Ingest(payload(-0.5, 0.3))
	require.NoError(t, err)

	circle := e.UpdateCoverage(radius(0))
	assert.Equal(t, geo.Circle{}, circle)

	flush(t, e)
	entries := j.snapshot()
	require.Len(t, entries, 9)
	assert.Equal(t, "coverage 0", entries[len(entries)-1], "coverage change is announced after the removals")
	assert.Equal(t, 1, j.count("coverage 0"))
	for _, id := range []string{"A1", "A2"} {
		assert.Less(t, indexOf(entries, "audit received "+id), indexOf(entries, "audit expired "+id))
		assert.Less(t, indexOf(entries, "audit expired "+id), indexOf(entries, "removed "+id))
		assert.Equal(t, 1, j.count("removed "+id))
	}

	assert.Empty(t, e.SessionJoined().Alerts)
	_, err = e.Ingest(payload(0, 0))
	require.ErrorIs(t, err, ErrOutOfCoverage, "radius zero covers nothing, not even the center")
}

func TestUpdateCoverageKeepsCoveredAlerts(t *testing.T) {
	e, j := newTestEngine(t, geo.Circle{RadiusKm: 1000})
	_, err := e.Ingest(payload(0.01, 0.01))
	require.NoError(t, err)
	_, err = e.Ingest(payload(5, 5))
	require.NoError(t, err)

	e.UpdateCoverage(coverage.Update{Center: &geo.Point{Latitude: 0.02, Longitude: 0.02}, RadiusKm: floatPtr(10)})
	flush(t, e)

	snap := e.SessionJoined()
	require.Len(t, snap.Alerts, 1)
	assert.Equal(t, "A1", snap.Alerts[0].ID)
	assert.Equal(t, geo.Circle{Center: geo.Point{Latitude: 0.02, Longitude: 0.02}, RadiusKm: 10}, snap.Coverage)
	assert.Equal(t, 1, j.count("removed A2"))
	assert.Zero(t, j.count("removed A1"))
}

func TestConcurrentIngestAndReevaluation(t *testing.T) {
	const n, m = 300, 40
	e, j := newTestEngine(t, geo.Circle{RadiusKm: 1000})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_, err := e.Ingest(payload(float64(i%7)*0.01, float64(i%5)*0.01))
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < m; i++ {
			e.UpdateCoverage(radius(1000 + float64(i)))
		}
	}()
	wg.Wait()
	flush(t, e)

	assert.Len(t, e.SessionJoined().Alerts, n)
	removed := 0
	for _, entry := range j.snapshot() {
		if len(entry) > 8 && entry[:8] == "removed " {
			removed++
		}
	}
	assert.Zero(t, removed)
}

func TestStoreNeverHoldsUncoveredAlerts(t *testing.T) {
	e, _ := newTestEngine(t, geo.Circle{RadiusKm: 200})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_, _ = e.Ingest(payload(float64(i%20)*0.1, 0))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			e.UpdateCoverage(radius(float64(i%4) * 60))
		}
	}()

	for i := 0; i < 200; i++ {
		e.mu.Lock()
		circle := e.coverage.Get()
		for _, a := range e.store.Snapshot() {
			if !geo.Within(circle, a.Location) {
				t.Errorf("alert %s at %+v outside %+v", a.ID, a.Location, circle)
			}
		}
		e.mu.Unlock()
	}
	close(stop)
	wg.Wait()
}

func TestAuditFailureDoesNotRollBack(t *testing.T) {
	e, j := newTestEngine(t, geo.Circle{RadiusKm: 500})
	j.mu.Lock()
	j.failing = true
	j.mu.Unlock()

	a, err := e.Ingest(payload(0, 0.1))
	require.NoError(t, err)
	flush(t, e)

	assert.Equal(t, []string{"added " + a.ID}, j.snapshot())
	assert.Len(t, e.SessionJoined().Alerts, 1)
}

func TestSubmitIngestsInBackground(t *testing.T) {
	j := &journal{}
	e := New(context.Background(), Deps{
		Store:    alert.NewStore(),
		Coverage: coverage.NewRegistry(geo.Circle{RadiusKm: 500}),
		Sink:     j,
		Fanout:   j,
		NewID:    sequentialIDs(),
	}, config.EngineConf{QueueDepth: 16})

	for i := 0; i < 5; i++ {
		require.True(t, e.Submit(payload(0, float64(i)*0.01)))
	}
	e.Shutdown()

	assert.Len(t, e.SessionJoined().Alerts, 5)
	assert.Equal(t, []string{
		"audit received A1", "added A1",
		"audit received A2", "added A2",
		"audit received A3", "added A3",
		"audit received A4", "added A4",
		"audit received A5", "added A5",
	}, j.snapshot())
}

func floatPtr(f float64) *float64 { return &f }

func indexOf(entries []string, s string) int {
	for i, e := range entries {
		if e == s {
			return i
		}
	}
	return -1
}

func TestJoinIsOrderedWithNotices(t *testing.T) {
	e, j := newTestEngine(t, geo.Circle{RadiusKm: 500})
	_, err := e.Ingest(payload(0.01, 0.01))
	require.NoError(t, err)

	var joined Snapshot
	err = e.Join(context.Background(), func(s Snapshot) {
		joined = s
		ids := make([]string, 0, len(s.Alerts))
		for _, a := range s.Alerts {
			ids = append(ids, a.ID)
		}
		j.add(fmt.Sprintf("join %v", ids))
	})
	require.NoError(t, err)

	_, err = e.Ingest(payload(0.02, 0.02))
	require.NoError(t, err)
	flush(t, e)

	assert.Equal(t, []string{
		"audit received A1", "added A1",
		"join [A1]",
		"audit received A2", "added A2",
	}, j.snapshot())
	assert.Equal(t, geo.Circle{RadiusKm: 500}, joined.Coverage)
}

func TestJoinAfterShutdown(t *testing.T) {
	e, _ := newTestEngine(t, geo.Circle{RadiusKm: 500})
	e.Shutdown()
	require.Error(t, e.Join(context.Background(), func(Snapshot) {}))
}

func TestActiveAlertsGaugeFollowsStore(t *testing.T) {
	e, _ := newTestEngine(t, geo.Circle{RadiusKm: 500})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := e.Ingest(payload(0, float64(i)*0.001))
			if assert.NoError(t, err) && i%2 == 0 {
				assert.NoError(t, e.Acknowledge(a.ID))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n/2, e.store.Len())
	assert.Equal(t, float64(e.store.Len()), testutil.ToFloat64(metrics.ActiveAlerts))

	e.UpdateCoverage(radius(0))
	assert.Zero(t, testutil.ToFloat64(metrics.ActiveAlerts))
}
