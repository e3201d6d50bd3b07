package worker

import (
	"testing"
	"time"

	"frenchmentor/internal/session"
)

func TestDispatcherCoalescesPerUser(t *testing.T) {
	d := NewDispatcher()
	for _, rev := range []uint64{1, 2, 3, 2} {
		d.Enqueue(1, session.Snapshot{Revision: rev})
	}
	if d.Pending() != 1 {
		t.Fatalf("expected one pending learner, got %d", d.Pending())
	}
	job, ok := d.next()
	if !ok || job.userID != 1 || job.snap.Revision != 3 {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestDispatcherRoundRobin(t *testing.T) {
	d := NewDispatcher()
	d.Enqueue(1, session.Snapshot{Revision: 1})
	d.Enqueue(2, session.Snapshot{Revision: 1})
	d.Enqueue(1, session.Snapshot{Revision: 2})

	first, _ := d.next()
	second, _ := d.next()
	if first.userID != 1 || second.userID != 2 {
		t.Fatalf("unexpected order %d, %d", first.userID, second.userID)
	}
}

func TestDispatcherHoldsBusyUser(t *testing.T) {
	d := NewDispatcher()
	d.Enqueue(1, session.Snapshot{Revision: 1})
	job, _ := d.next()

	d.Enqueue(1, session.Snapshot{Revision: 2})
	if d.ready.Len() != 0 {
		t.Fatalf("busy learner must not be ready")
	}
	d.done(job.userID)
	if d.ready.Len() != 1 {
		t.Fatalf("learner should be requeued after its save")
	}
	job, _ = d.next()
	if job.snap.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", job.snap.Revision)
	}
}

func TestDispatcherDropAndClose(t *testing.T) {
	d := NewDispatcher()
	d.Enqueue(1, session.Snapshot{Revision: 1})
	d.Drop(1)
	if d.Pending() != 0 || d.ready.Len() != 0 {
		t.Fatalf("drop left state behind")
	}
	d.close()
	if d.Enqueue(1, session.Snapshot{}) {
		t.Fatalf("closed dispatcher accepted a snapshot")
	}
	if _, ok := d.next(); ok {
		t.Fatalf("closed empty dispatcher returned a job")
	}
}

func TestDispatcherForgetWaitsForRunningSave(t *testing.T) {
	d := NewDispatcher()
	d.Enqueue(1, session.Snapshot{Revision: 1})
	job, _ := d.next()
	d.Enqueue(1, session.Snapshot{Revision: 2})

	forgotten := make(chan struct{})
	go func() {
		d.Forget(1)
		close(forgotten)
	}()
	select {
	case <-forgotten:
		t.Fatalf("forget returned while a save was running")
	case <-time.After(20 * time.Millisecond):
	}

	d.done(job.userID)
	<-forgotten
	if d.Pending() != 0 || d.ready.Len() != 0 {
		t.Fatalf("forget left a snapshot behind")
	}
}
