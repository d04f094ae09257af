package spqueue_test

import (
	"errors"
	"testing"

	"github.com/det-lab/rocdaq/roc"
	"github.com/det-lab/rocdaq/spqueue"
)

func entry(offset uint64, pages uint32) *spqueue.Entry {
	return &spqueue.Entry{
		Superpage:  roc.Superpage{Offset: offset, Size: uint64(pages) * roc.DefaultDmaPageSize},
		BusAddress: offset,
		MaxPages:   pages,
	}
}

func TestFIFOLaw(t *testing.T) {
	// superpages come back in exactly the order they were enqueued, for
	// any enqueue sequence respecting capacity
	q := spqueue.New(8)
	offsets := []uint64{0, 1 << 20, 2 << 20, 3 << 20, 4 << 20}
	for _, off := range offsets {
		if err := q.Add(entry(off, 1)); err != nil {
			t.Fatal(err)
		}
	}
	for range offsets {
		e := q.PushingFront()
		e.PushedPages = e.MaxPages
		q.FinishPushing()
		e.Superpage.Received = e.Superpage.Size
		e.Superpage.Ready = true
		q.FinishArrivals()
	}
	for i, off := range offsets {
		sp, err := q.PopFilled()
		if err != nil {
			t.Fatal(err)
		}
		if sp.Offset != off {
			t.Errorf("pop %d: offset 0x%x, want 0x%x", i, sp.Offset, off)
		}
	}
}

func TestCapacityBackpressure(t *testing.T) {
	q := spqueue.New(2)
	if err := q.Add(entry(0, 1)); err != nil {
		t.Fatal(err)
	}
	if err := q.Add(entry(1<<20, 1)); err != nil {
		t.Fatal(err)
	}
	err := q.Add(entry(2<<20, 1))
	var full roc.QueueFullError
	if !errors.As(err, &full) {
		t.Fatalf("expected QueueFullError, got %v", err)
	}
	if full.Capacity != 2 {
		t.Errorf("error capacity %d, want 2", full.Capacity)
	}
	if q.Len() != 2 {
		t.Errorf("rejected add mutated the queue: len %d", q.Len())
	}
	if !roc.IsResourceExhausted(err) {
		t.Error("QueueFullError not classified as resource exhaustion")
	}
}

func TestAvailableSpansStages(t *testing.T) {
	// capacity counts entries in every stage, not just pushing
	q := spqueue.New(3)
	q.Add(entry(0, 1))
	q.Add(entry(1<<20, 1))
	if q.Available() != 1 {
		t.Fatalf("available %d, want 1", q.Available())
	}

	e := q.PushingFront()
	e.PushedPages = e.MaxPages
	q.FinishPushing()
	if q.Available() != 1 {
		t.Errorf("available changed across FinishPushing: %d", q.Available())
	}

	e.Superpage.Received = e.Superpage.Size
	q.FinishArrivals()
	if q.Available() != 1 {
		t.Errorf("available changed across FinishArrivals: %d", q.Available())
	}

	if _, err := q.PopFilled(); err != nil {
		t.Fatal(err)
	}
	if q.Available() != 2 {
		t.Errorf("available %d after pop, want 2", q.Available())
	}
}

func TestEmptyQueues(t *testing.T) {
	q := spqueue.New(4)
	var empty roc.QueueEmptyError
	if _, err := q.FilledFront(); !errors.As(err, &empty) {
		t.Errorf("FilledFront on empty: %v", err)
	}
	if _, err := q.PopFilled(); !errors.As(err, &empty) {
		t.Errorf("PopFilled on empty: %v", err)
	}
	if q.PushingFront() != nil || q.ArrivalsFront() != nil {
		t.Error("fronts of empty stages are not nil")
	}
}

func TestClear(t *testing.T) {
	q := spqueue.New(4)
	q.Add(entry(0, 2))
	q.Add(entry(1<<20, 2))
	q.Clear()
	if q.Len() != 0 || q.Available() != 4 {
		t.Errorf("after clear: len %d available %d", q.Len(), q.Available())
	}
}

func TestEntryPushBookkeeping(t *testing.T) {
	e := entry(0, 4)
	if e.Pushed() || e.Unpushed() != 4 {
		t.Fatalf("fresh entry: pushed %v unpushed %d", e.Pushed(), e.Unpushed())
	}
	e.PushedPages = 3
	if e.Pushed() || e.Unpushed() != 1 {
		t.Errorf("after 3 pushes: pushed %v unpushed %d", e.Pushed(), e.Unpushed())
	}
	e.PushedPages = 4
	if !e.Pushed() {
		t.Error("fully pushed entry reports not pushed")
	}
}
