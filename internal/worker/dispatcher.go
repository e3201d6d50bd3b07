package worker

import (
	"container/list"
	"sync"

	"frenchmentor/internal/session"
)

// saveJob is the latest unsaved snapshot of one learner.
type saveJob struct {
	userID int64
	snap   session.Snapshot
}

// Dispatcher coalesces snapshots per learner and hands them to writers in
// round-robin order. At most one save per learner runs at a time, so a
// learner's saves land in order.
type Dispatcher struct {
	mu        sync.Mutex
	cond      *sync.Cond
	pending   map[int64]session.Snapshot
	busy      map[int64]bool
	ready     *list.List // users with a pending snapshot and no running save
	positions map[int64]*list.Element
	closed    bool
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		pending:   make(map[int64]session.Snapshot),
		busy:      make(map[int64]bool),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Enqueue records snap as the learner's latest state. An older revision
// never replaces a newer pending one. It reports false once closed.
func (d *Dispatcher) Enqueue(userID int64, snap session.Snapshot) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if cur, ok := d.pending[userID]; ok && cur.Revision > snap.Revision {
		return true
	}
	d.pending[userID] = snap
	d.markReadyLocked(userID)
	return true
}

// Drop forgets the learner's pending snapshot. A running save is not
// interrupted.
func (d *Dispatcher) Drop(userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropLocked(userID)
}

// Forget drops the learner's pending snapshot and waits for a running save
// to finish. Nothing of the learner is written once it returns, unless a
// new snapshot is enqueued.
func (d *Dispatcher) Forget(userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropLocked(userID)
	for d.busy[userID] {
		d.cond.Wait()
	}
}

func (d *Dispatcher) dropLocked(userID int64) {
	delete(d.pending, userID)
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
}

// Pending counts learners with an unsaved snapshot.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) markReadyLocked(userID int64) {
	if d.busy[userID] {
		// picked up again by done
		return
	}
	if _, ok := d.positions[userID]; ok {
		return
	}
	d.positions[userID] = d.ready.PushBack(userID)
	// Forget waits on the same cond
	d.cond.Broadcast()
}

// next blocks until a job is ready. ok is false once the dispatcher is
// closed and drained.
func (d *Dispatcher) next() (saveJob, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.ready.Len() == 0 && !(d.closed && len(d.busy) == 0) {
		d.cond.Wait()
	}
	if d.ready.Len() == 0 {
		return saveJob{}, false
	}
	elem := d.ready.Front()
	userID := elem.Value.(int64)
	d.ready.Remove(elem)
	delete(d.positions, userID)
	snap := d.pending[userID]
	delete(d.pending, userID)
	d.busy[userID] = true
	return saveJob{userID: userID, snap: snap}, true
}

// done releases the learner and requeues it when a newer snapshot arrived
// during the save.
func (d *Dispatcher) done(userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.busy, userID)
	if _, ok := d.pending[userID]; ok {
		d.markReadyLocked(userID)
	}
	d.cond.Broadcast()
}

// close stops accepting snapshots and wakes idle writers so they drain and
// exit.
func (d *Dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
}
