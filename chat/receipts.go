package chat

import (
	"slices"
	"sync"
	"time"
)

// FlushDelay is the quiet period the receipt batcher waits for before
// sending one coalesced mark-read call.
const FlushDelay = 400 * time.Millisecond

// Receipts coalesces read receipts. Message ids observed as newly visible
// and unread accumulate in a pending set; a single-shot timer, restarted on
// each new observation, flushes the whole set at once. Delivery is
// at-most-once per observed transition: the pending set is cleared on flush
// whatever happens downstream, and a flush lost to teardown is an accepted,
// non-fatal loss.
type Receipts struct {
	mu      sync.Mutex
	pending map[int64]struct{}
	// flushed remembers ids already sent so a later list scan does not
	// queue them again while the server's read broadcast is in flight.
	flushed map[int64]struct{}
	timer   *time.Timer
	delay   time.Duration
	flush   func(ids []int64)
}

// NewReceipts builds a batcher that delivers coalesced id lists to flush.
// The flush callback runs on the timer goroutine.
func NewReceipts(flush func(ids []int64)) *Receipts {
	return &Receipts{
		pending: make(map[int64]struct{}),
		flushed: make(map[int64]struct{}),
		delay:   FlushDelay,
		flush:   flush,
	}
}

// Observe feeds the batcher the ids currently unread in the list. Ids
// already pending or already flushed are ignored; if anything new was
// added the flush timer restarts.
func (r *Receipts) Observe(ids []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := false
	for _, id := range ids {
		if _, ok := r.pending[id]; ok {
			continue
		}
		if _, ok := r.flushed[id]; ok {
			continue
		}
		r.pending[id] = struct{}{}
		added = true
	}
	if !added {
		return
	}

	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.delay, r.flushNow)
}

func (r *Receipts) flushNow() {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	ids := make([]int64, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
		r.flushed[id] = struct{}{}
	}
	clear(r.pending)
	r.mu.Unlock()

	slices.Sort(ids)
	r.flush(ids)
}

// Confirm records that the server has acknowledged ids as read, allowing
// the flushed guard to be trimmed.
func (r *Receipts) Confirm(ids []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.flushed, id)
	}
}

// Cancel stops the pending timer and drops any unflushed ids. Called on
// conversation teardown.
func (r *Receipts) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	clear(r.pending)
}
