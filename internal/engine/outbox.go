package engine

import (
	"sync"

	"github.com/sosnow/sosrelay/internal/alert"
	"github.com/sosnow/sosrelay/internal/audit"
	"github.com/sosnow/sosrelay/internal/geo"
)

type noticeKind int

const (
	noticeAdded noticeKind = iota
	noticeRemoved
	noticeCoverage
	noticeBarrier
	noticeJoin
)

// notice is one pending side effect of a committed transition: an optional
// audit record followed by a broadcast.
type notice struct {
	kind   noticeKind
	record *audit.Record
	alert  alert.Alert
	circle geo.Circle
	done   chan struct{}

	// snapshot and join are set for noticeJoin.
	snapshot *Snapshot
	join     func(Snapshot)
}

// outbox is an unbounded FIFO. push never blocks, so it may be called while
// the engine's sequencing lock is held.
type outbox struct {
	mu      sync.Mutex
	pending []notice
	wake    chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(ns ...notice) {
	if len(ns) == 0 {
		return
	}
	o.mu.Lock()
	o.pending = append(o.pending, ns...)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) take() []notice {
	o.mu.Lock()
	defer o.mu.Unlock()
	ns := o.pending
	o.pending = nil
	return ns
}
