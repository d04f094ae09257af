// Package spqueue orders superpages through the three stages of a DMA
// transfer: pushing (page descriptors still being handed to the card),
// arrivals (fully pushed, waiting for data), and filled (every page
// received, ready for the client).
//
// The concatenation pushing + arrivals + filled is always the FIFO arrival
// order of the enqueued superpages; the engine never reorders completion
// relative to push order.
package spqueue

import "github.com/det-lab/rocdaq/roc"

// Entry wraps one enqueued superpage with the engine's bookkeeping.
type Entry struct {
	Superpage roc.Superpage

	// BusAddress of the superpage region, for page descriptor pushes
	BusAddress uint64

	// MaxPages is Superpage.Size / page size
	MaxPages uint32

	// PushedPages counts descriptors handed to the card so far
	PushedPages uint32
}

// Unpushed is the number of pages not yet handed to the card.
func (e *Entry) Unpushed() uint32 {
	return e.MaxPages - e.PushedPages
}

// Pushed returns true once every page descriptor has been handed over.
func (e *Entry) Pushed() bool {
	return e.PushedPages == e.MaxPages
}

// Queue is the three-stage superpage queue.  Not safe for concurrent use;
// the goroutine driving the channel owns it.
type Queue struct {
	capacity int
	pushing  []*Entry
	arrivals []*Entry
	filled   []*Entry
}

// New returns a queue holding at most capacity superpages across all three
// stages.
func New(capacity int) *Queue {
	return &Queue{capacity: capacity}
}

// Capacity is the configured superpage limit.
func (q *Queue) Capacity() int { return q.capacity }

// Len is the total number of enqueued superpages across all stages.
func (q *Queue) Len() int {
	return len(q.pushing) + len(q.arrivals) + len(q.filled)
}

// Available is the number of superpages that can still be enqueued.
func (q *Queue) Available() int {
	return q.capacity - q.Len()
}

// FilledLen is the number of superpages in the filled stage.
func (q *Queue) FilledLen() int { return len(q.filled) }

// Clear drops all entries.  Used when the engine (re)starts.
func (q *Queue) Clear() {
	q.pushing = q.pushing[:0]
	q.arrivals = q.arrivals[:0]
	q.filled = q.filled[:0]
}

// Add appends an entry to the pushing stage.  Returns roc.QueueFullError
// when the queue is at capacity; the queue is not mutated.
func (q *Queue) Add(e *Entry) error {
	if q.Available() == 0 {
		return roc.QueueFullError{Capacity: q.capacity}
	}
	q.pushing = append(q.pushing, e)
	return nil
}

// PushingFront returns the oldest entry still being pushed, or nil.
func (q *Queue) PushingFront() *Entry {
	if len(q.pushing) == 0 {
		return nil
	}
	return q.pushing[0]
}

// FinishPushing moves the front of the pushing stage to the arrivals
// stage.  Only valid once that entry is fully pushed.
func (q *Queue) FinishPushing() {
	if len(q.pushing) == 0 {
		panic("spqueue: FinishPushing on empty pushing stage")
	}
	e := q.pushing[0]
	q.pushing = q.pushing[1:]
	q.arrivals = append(q.arrivals, e)
}

// ArrivalsFront returns the oldest entry awaiting data, or nil.
func (q *Queue) ArrivalsFront() *Entry {
	if len(q.arrivals) == 0 {
		return nil
	}
	return q.arrivals[0]
}

// FinishArrivals moves the front of the arrivals stage to the filled
// stage.  Only valid once that entry's superpage is fully received.
func (q *Queue) FinishArrivals() {
	if len(q.arrivals) == 0 {
		panic("spqueue: FinishArrivals on empty arrivals stage")
	}
	e := q.arrivals[0]
	q.arrivals = q.arrivals[1:]
	q.filled = append(q.filled, e)
}

// FilledFront peeks at the oldest filled superpage.
func (q *Queue) FilledFront() (roc.Superpage, error) {
	if len(q.filled) == 0 {
		return roc.Superpage{}, roc.QueueEmptyError{}
	}
	return q.filled[0].Superpage, nil
}

// PopFilled removes and returns the oldest filled superpage.
func (q *Queue) PopFilled() (roc.Superpage, error) {
	if len(q.filled) == 0 {
		return roc.Superpage{}, roc.QueueEmptyError{}
	}
	e := q.filled[0]
	q.filled = q.filled[1:]
	return e.Superpage, nil
}
