package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sosnow/sosrelay/internal/alert"
	"github.com/sosnow/sosrelay/internal/audit"
	"github.com/sosnow/sosrelay/internal/config"
	"github.com/sosnow/sosrelay/internal/coverage"
	"github.com/sosnow/sosrelay/internal/event"
	"github.com/sosnow/sosrelay/internal/geo"
	"github.com/sosnow/sosrelay/internal/metrics"
)

// ErrOutOfCoverage is returned by Ingest for alerts outside the coverage circle.
var ErrOutOfCoverage = errors.New("alert outside coverage")

// Broadcaster fans engine events out to every connected session.
type Broadcaster interface {
	AlertAdded(a alert.Alert)
	AlertRemoved(id string)
	CoverageChanged(c geo.Circle)
}

// Snapshot is the state handed to a newly joined session.
type Snapshot struct {
	Coverage geo.Circle    `json:"coverage"`
	Alerts   []alert.Alert `json:"alerts"`
}

// Deps are the collaborators an Engine is built from. Store, Coverage, Sink
// and Fanout are required.
type Deps struct {
	Store    *alert.Store
	Coverage *coverage.Registry
	Sink     audit.Sink
	Fanout   Broadcaster
	Logger   *slog.Logger

	// NewID and Now default to uuid.NewString and time.Now.
	NewID func() string
	Now   func() time.Time
}

// Engine owns the alert lifecycle. Every transition (ingest, acknowledge,
// coverage update) runs under one sequencing lock that covers only in-memory
// work; audit writes and broadcasts are queued on an outbox and performed, in
// commit order, by a single dispatcher goroutine.
type Engine struct {
	mu       sync.Mutex
	store    *alert.Store
	coverage *coverage.Registry
	sink     audit.Sink
	fanout   Broadcaster
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time
	conf     config.EngineConf

	queue *ingestQueue
	out   *outbox

	stop     chan struct{}
	stopped  chan struct{}
	shutdown sync.Once
}

// New creates an Engine, starts its ingestion worker and its dispatcher.
func New(ctx context.Context, d Deps, conf config.EngineConf) *Engine {
	if conf.QueueDepth <= 0 {
		conf.QueueDepth = 1024
	}
	if conf.AuditTimeout <= 0 {
		conf.AuditTimeout = 5 * time.Second
	}
	e := &Engine{
		store:    d.Store,
		coverage: d.Coverage,
		sink:     d.Sink,
		fanout:   d.Fanout,
		logger:   d.Logger,
		newID:    d.NewID,
		now:      d.Now,
		conf:     conf,
		out:      newOutbox(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.now == nil {
		e.now = time.Now
	}
	metrics.CoverageRadiusKm.Set(e.coverage.Get().RadiusKm)

	// One worker: the feed is a single ordered stream.
	e.queue = newIngestQueue(ctx, 1, conf.QueueDepth, func(_ context.Context, w feedWork) {
		_, _ = e.Ingest(w.payload)
		metrics.IngestDuration.Observe(float64(time.Since(w.receivedAt).Microseconds()) / 1000)
	})

	go e.dispatch()
	return e
}

// Submit enqueues a raw feed payload for background ingestion. Returns false
// if the queue is full.
func (e *Engine) Submit(payload []byte) bool {
	metrics.FeedMessages.Inc()
	if !e.queue.Submit(feedWork{payload: payload, receivedAt: time.Now()}) {
		metrics.FeedDropped.Inc()
		e.logger.Warn("ingestion queue full, dropping feed message", "capacity", e.queue.Cap())
		return false
	}
	return true
}

// QueueUtilization returns queue used / capacity (0–1).
func (e *Engine) QueueUtilization() float64 {
	if e.queue.Cap() == 0 {
		return 0
	}
	return float64(e.queue.Len()) / float64(e.queue.Cap())
}

// Ingest validates one raw feed payload and, if it is in coverage, makes it
// an active alert. Rejections return event.ErrMalformedPayload,
// event.ErrMissingCoordinates or ErrOutOfCoverage; none of them touch the
// store or the audit trail.
func (e *Engine) Ingest(payload []byte) (alert.Alert, error) {
	ev, err := event.Parse(payload)
	if err != nil {
		if errors.Is(err, event.ErrMalformedPayload) {
			metrics.AlertsIngested.WithLabelValues("malformed").Inc()
			e.logger.Warn("discarding malformed feed payload", "err", err, "payload", truncate(payload, 256))
		} else {
			metrics.AlertsIngested.WithLabelValues("no_coordinates").Inc()
			e.logger.Info("discarding alert without usable coordinates", "err", err, "type", ev.Type)
		}
		return alert.Alert{}, err
	}

	e.mu.Lock()
	circle := e.coverage.Get()
	if !geo.Within(circle, ev.Location) {
		e.mu.Unlock()
		metrics.AlertsIngested.WithLabelValues("out_of_coverage").Inc()
		e.logger.Info("discarding alert outside coverage",
			"type", ev.Type,
			"latitude", ev.Location.Latitude,
			"longitude", ev.Location.Longitude,
			"radius_km", circle.RadiusKm,
		)
		return alert.Alert{}, fmt.Errorf("%w: (%v, %v)", ErrOutOfCoverage, ev.Location.Latitude, ev.Location.Longitude)
	}

	a := alert.Alert{
		ID:              e.newID(),
		Kind:            ev.Type,
		ReporterName:    ev.UserName,
		ReporterContact: ev.UserNumber,
		Location:        ev.Location,
		ReceivedAt:      e.now(),
	}
	if err := e.store.Insert(a); err != nil {
		e.mu.Unlock()
		metrics.AlertsIngested.WithLabelValues("internal").Inc()
		e.logger.Error("alert insert failed", "alert_id", a.ID, "err", err)
		return alert.Alert{}, err
	}
	rec := audit.NewRecord(audit.Received, a, a.ReceivedAt)
	e.out.push(notice{kind: noticeAdded, record: &rec, alert: a})
	metrics.ActiveAlerts.Set(float64(e.store.Len()))
	e.mu.Unlock()

	metrics.AlertsIngested.WithLabelValues("accepted").Inc()
	e.logger.Info("alert received",
		"alert_id", a.ID,
		"type", a.Kind,
		"latitude", a.Location.Latitude,
		"longitude", a.Location.Longitude,
	)
	return a, nil
}

// Acknowledge removes an active alert. Unknown or already removed ids return
// alert.ErrNotFound and have no side effects.
func (e *Engine) Acknowledge(id string) error {
	e.mu.Lock()
	a, err := e.store.Remove(id)
	if err == nil {
		rec := audit.NewRecord(audit.Acknowledged, a, e.now())
		e.out.push(notice{kind: noticeRemoved, record: &rec, alert: a})
		metrics.ActiveAlerts.Set(float64(e.store.Len()))
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.Info("acknowledge for inactive alert ignored", "alert_id", id)
		return err
	}
	metrics.AlertsRemoved.WithLabelValues(string(audit.Acknowledged)).Inc()
	e.logger.Info("alert acknowledged", "alert_id", id)
	return nil
}

// UpdateCoverage applies u, expires every alert the new circle no longer
// covers and announces the new circle after the individual removals.
func (e *Engine) UpdateCoverage(u coverage.Update) geo.Circle {
	e.mu.Lock()
	circle, changed := e.coverage.Update(u)
	removed := e.store.Reevaluate(circle)
	now := e.now()
	ns := make([]notice, 0, len(removed)+1)
	for _, a := range removed {
		rec := audit.NewRecord(audit.Expired, a, now)
		ns = append(ns, notice{kind: noticeRemoved, record: &rec, alert: a})
	}
	ns = append(ns, notice{kind: noticeCoverage, circle: circle})
	e.out.push(ns...)
	metrics.ActiveAlerts.Set(float64(e.store.Len()))
	metrics.CoverageRadiusKm.Set(circle.RadiusKm)
	e.mu.Unlock()

	metrics.AlertsRemoved.WithLabelValues(string(audit.Expired)).Add(float64(len(removed)))
	e.logger.Info("coverage updated",
		"latitude", circle.Center.Latitude,
		"longitude", circle.Center.Longitude,
		"radius_km", circle.RadiusKm,
		"changed", changed,
		"expired", len(removed),
	)
	return circle
}

// Coverage returns the current coverage circle.
func (e *Engine) Coverage() geo.Circle {
	return e.coverage.Get()
}

// SessionJoined returns the current coverage and active alerts. The two
// reads are not taken atomically and may include alerts whose notices are
// still pending; live sessions join through Join instead.
func (e *Engine) SessionJoined() Snapshot {
	return Snapshot{
		Coverage: e.coverage.Get(),
		Alerts:   e.store.Snapshot(),
	}
}

// Join positions a new session in the notice stream. The snapshot is taken
// under the sequencing lock and handed to fn by the dispatcher, after every
// notice committed before it has been audited and broadcast and before any
// committed later. A session registered by fn therefore sees each alert
// exactly once, either in the snapshot or as a later broadcast.
//
// Join blocks until fn has run, ctx is done or the engine stops. fn may still
// run after an early return and must tolerate that.
func (e *Engine) Join(ctx context.Context, fn func(Snapshot)) error {
	done := make(chan struct{})
	e.mu.Lock()
	snap := Snapshot{
		Coverage: e.coverage.Get(),
		Alerts:   e.store.Snapshot(),
	}
	e.out.push(notice{kind: noticeJoin, snapshot: &snap, join: fn, done: done})
	e.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-e.stopped:
		return errors.New("engine stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush blocks until every notice committed before the call has been audited
// and broadcast, or ctx is done.
func (e *Engine) Flush(ctx context.Context) error {
	done := make(chan struct{})
	e.out.push(notice{kind: noticeBarrier, done: done})
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return errors.New("engine stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown drains the ingestion queue, delivers outstanding notices and stops
// the dispatcher. Submit must not be called afterwards.
func (e *Engine) Shutdown() {
	e.shutdown.Do(func() {
		e.queue.Drain()
		close(e.stop)
		<-e.stopped
	})
}

func (e *Engine) dispatch() {
	defer close(e.stopped)
	for {
		select {
		case <-e.out.wake:
			e.deliverPending()
		case <-e.stop:
			e.deliverPending()
			return
		}
	}
}

func (e *Engine) deliverPending() {
	for ns := e.out.take(); len(ns) > 0; ns = e.out.take() {
		for _, n := range ns {
			e.deliver(n)
		}
	}
}

func (e *Engine) deliver(n notice) {
	if n.record != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.conf.AuditTimeout)
		if err := e.sink.Record(ctx, *n.record); err != nil {
			metrics.AuditFailures.Inc()
			e.logger.Error("audit write failed", "alert_id", n.record.AlertID, "event", n.record.Event, "err", err)
		}
		cancel()
	}
	switch n.kind {
	case noticeAdded:
		e.fanout.AlertAdded(n.alert)
	case noticeRemoved:
		e.fanout.AlertRemoved(n.alert.ID)
	case noticeCoverage:
		e.fanout.CoverageChanged(n.circle)
	case noticeBarrier:
		close(n.done)
	case noticeJoin:
		n.join(*n.snapshot)
		close(n.done)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
