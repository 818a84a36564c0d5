// Package pending implements the client-side pending-query table: the
// correlation-id namespace for one upstream session.
package pending

import (
	"sync"
	"time"

	"github.com/dnstunnel/dnstunnel/internal/observe"
)

// Deadline is the fixed per-query response deadline.
const Deadline = time.Second

// indexBits is the width of the slot index packed into a correlation id;
// the remaining bits carry the slot's generation. 16 bits of index caps a
// single session at 65,536 concurrently pending queries.
const indexBits = 16
const slotCount = 1 << indexBits
const indexMask = slotCount - 1

// Result is delivered to a query's waiter exactly once.
type Result struct {
	// Payload is the DNS response bytes. Nil when Err is set.
	Payload []byte
	// Err is non-nil for a timeout or a cancellation (session teardown).
	// A successful completion has Err == nil.
	Err error
}

// ErrTimeout is delivered when no response arrives within Deadline.
var ErrTimeout = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string { return "pending query timed out" }
func (timeoutError) Timeout() bool { return true }

// ErrCancelled is delivered to every still-pending waiter when the owning
// session is torn down.
var ErrCancelled = cancelledError{}

type cancelledError struct{}

func (cancelledError) Error() string { return "pending query cancelled" }

type slot struct {
	// generation is uint16 so it fills exactly the bits of a correlation
	// id left over by indexBits (32-16=16); it wraps naturally on
	// overflow, which is fine since uniqueness is only required among
	// concurrently pending queries, not across all of history.
	generation uint16
	ch         chan Result
	timer      *time.Timer
	delivered  bool
}

// Table is a fixed array of slots addressed by the low bits of a 32-bit
// correlation id, each tagged with a generation so a stale id (from an
// already-resolved or expired query) can never be mistaken for a live one.
//
// Table is safe for concurrent use.
type Table struct {
	mu       sync.Mutex
	slots    [slotCount]slot
	free     []uint16 // stack of free slot indices
	observer observe.Observer
}

// New creates an empty Table. A nil observer is treated as observe.Noop{}.
func New(observer observe.Observer) *Table {
	if observer == nil {
		observer = observe.Noop{}
	}
	t := &Table{
		free:     make([]uint16, slotCount),
		observer: observer,
	}
	for i := range t.free {
		t.free[i] = uint16(i)
	}
	return t
}

// ErrFull is returned by Register when every slot is currently occupied.
type fullError struct{}

func (fullError) Error() string { return "pending table is full" }

var ErrFull = fullError{}

// Register allocates a fresh correlation id and returns it along with a
// channel that will receive exactly one Result: a successful completion
// (Complete), a timeout (after Deadline), or a cancellation (CancelAll).
//
// The returned channel is buffered so Complete and the timer never block.
func (t *Table) Register() (id uint32, result <-chan Result, err error) {
	t.mu.Lock()
	if len(t.free) == 0 {
		t.mu.Unlock()
		return 0, nil, ErrFull
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	s := &t.slots[idx]
	s.generation++
	s.delivered = false
	ch := make(chan Result, 1)
	s.ch = ch
	gen := s.generation
	id = uint32(gen)<<indexBits | uint32(idx)

	s.timer = time.AfterFunc(Deadline, func() {
		t.expire(idx, gen)
	})
	t.mu.Unlock()

	return id, ch, nil
}

// Complete fulfills the pending query identified by id, if it is still
// present. A call for an id that has already been completed, expired, or
// cancelled is a silent no-op — the caller is expected to treat Complete
// as fire-and-forget.
func (t *Table) Complete(id uint32, payload []byte) {
	idx := uint16(id & indexMask)
	gen := uint16(id >> indexBits)

	t.mu.Lock()
	s := &t.slots[idx]
	if s.ch == nil || s.generation != gen || s.delivered {
		t.mu.Unlock()
		t.observer.Dropped("unknown or expired correlation id")
		return
	}
	s.delivered = true
	s.timer.Stop()
	ch := s.ch
	t.release(idx)
	t.mu.Unlock()

	ch <- Result{Payload: payload}
}

// CancelAll fulfills every currently pending query with ErrCancelled. Used
// on transport teardown.
func (t *Table) CancelAll() {
	t.mu.Lock()
	var pending []chan Result
	for idx := range t.slots {
		s := &t.slots[idx]
		if s.ch == nil || s.delivered {
			continue
		}
		s.delivered = true
		if s.timer != nil {
			s.timer.Stop()
		}
		pending = append(pending, s.ch)
		t.release(uint16(idx))
	}
	t.mu.Unlock()

	for _, ch := range pending {
		ch <- Result{Err: ErrCancelled}
	}
}

// Len reports the number of currently pending queries. Intended for tests
// and diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slotCount - len(t.free)
}

func (t *Table) expire(idx uint16, gen uint16) {
	t.mu.Lock()
	s := &t.slots[idx]
	if s.generation != gen || s.delivered {
		// Already completed or cancelled between the timer firing and
		// this callback acquiring the lock; nothing to do.
		t.mu.Unlock()
		return
	}
	s.delivered = true
	ch := s.ch
	t.release(idx)
	t.mu.Unlock()

	t.observer.Expired()
	ch <- Result{Err: ErrTimeout}
}

// release returns slot idx to the free list. Callers must hold t.mu and
// must not read s.ch/s.timer afterward (a future Register reusing idx will
// overwrite them once its generation is bumped).
func (t *Table) release(idx uint16) {
	t.slots[idx].ch = nil
	t.slots[idx].timer = nil
	t.free = append(t.free, idx)
}
