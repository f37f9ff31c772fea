// Package assembler reconstructs Property Exchange responses from numbered
// SysEx chunks.
//
// A PE reply arrives as chunks 1..N, each carrying a header fragment and a
// slice of the property body. Chunks may arrive out of order, duplicated,
// or never; the assembler holds one reassembly state per tracked request
// ID, preserves the header from the first non-empty carrier, and reports
// completion, progress, or expiry. It has no internal locking; the
// transaction manager owns it and serializes access.
package assembler

import (
	"sort"
	"time"

	"github.com/ehrlich-b/go-midipe/internal/interfaces"
)

// Kind tags a Result.
type Kind int

const (
	// KindComplete: every chunk 1..N arrived; Header and Body are final.
	KindComplete Kind = iota
	// KindIncomplete: the chunk was absorbed (or dropped as corrupt); the
	// request is still waiting on Received/Total progress.
	KindIncomplete
	// KindTimeout: the state outlived its deadline and was removed.
	KindTimeout
	// KindUnknownRequest: no state is tracked for the ID. A duplicate late
	// response, a response to a cancelled transaction, or a misroute.
	KindUnknownRequest
)

func (k Kind) String() string {
	switch k {
	case KindComplete:
		return "complete"
	case KindIncomplete:
		return "incomplete"
	case KindTimeout:
		return "timeout"
	case KindUnknownRequest:
		return "unknown-request"
	default:
		return "invalid"
	}
}

// Result is the outcome of feeding a chunk or sweeping timeouts.
type Result struct {
	Kind     Kind
	ID       uint8
	Resource string

	// Complete
	Header []byte
	Body   []byte

	// Incomplete / Timeout progress
	Received int
	Total    int

	// Timeout only: the body prefix received so far, set iff chunk 1
	// arrived (a body missing its leading bytes has no useful
	// interpretation; one missing a tail suffix may).
	Partial    []byte
	HasPartial bool
}

// chunkState is the per-request reassembly record.
type chunkState struct {
	id       uint8
	resource string
	// expected is fixed at first chunk observation; 0 means no chunk has
	// been seen yet.
	expected int
	received map[int][]byte
	header   []byte
	start    time.Time
	timeout  time.Duration
}

// Assembler collects numbered chunks for tracked request IDs.
// Single-owner; not safe to share without external synchronization.
type Assembler struct {
	defaultTimeout time.Duration
	pending        map[uint8]*chunkState
	log            interfaces.Logger

	// now is the clock; tests override it to drive expiry without sleeping.
	now func() time.Time
}

// New creates an assembler whose tracked states default to the given
// timeout when Track does not supply one.
func New(defaultTimeout time.Duration, log interfaces.Logger) *Assembler {
	return &Assembler{
		defaultTimeout: defaultTimeout,
		pending:        make(map[uint8]*chunkState),
		log:            log,
		now:            time.Now,
	}
}

// Track registers a reassembly state for id. The state's chunk count is
// fixed by the first chunk observed for it; until then progress reads 0/0.
// Tracking an already-tracked ID resets its state.
func (a *Assembler) Track(id uint8, resource string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = a.defaultTimeout
	}
	a.pending[id] = &chunkState{
		id:       id,
		resource: resource,
		received: make(map[int][]byte),
		start:    a.now(),
		timeout:  timeout,
	}
}

// AddChunk feeds one received chunk into the assembler.
//
// Single-chunk responses bypass state entirely: numChunks == 1 returns
// Complete without touching the pending map, tracked or not — the owner
// decides what an unknown ID means. Multi-chunk responses require a
// tracked state; feeding an untracked ID returns KindUnknownRequest and
// never speculatively allocates.
func (a *Assembler) AddChunk(id uint8, thisChunk, numChunks int, header, body []byte, resource string) Result {
	// Fast path: the whole response in one message. Common for small
	// resources; must not allocate a per-request record.
	if numChunks == 1 && thisChunk == 1 {
		return Result{
			Kind:     KindComplete,
			ID:       id,
			Resource: resource,
			Header:   cloneBytes(header),
			Body:     cloneBytes(body),
			Received: 1,
			Total:    1,
		}
	}

	st, ok := a.pending[id]

	// Malformed chunk numbering never crashes and never allocates.
	if numChunks < 1 || thisChunk < 1 || thisChunk > numChunks {
		if a.log != nil {
			a.log.Warnf("dropping malformed chunk for request %d: %d/%d", id, thisChunk, numChunks)
		}
		if !ok {
			return Result{Kind: KindUnknownRequest, ID: id}
		}
		return st.incomplete()
	}

	if !ok {
		return Result{Kind: KindUnknownRequest, ID: id}
	}

	// First observed chunk fixes the expected total.
	if st.expected == 0 {
		st.expected = numChunks
	} else if st.expected != numChunks {
		// Devices do not renegotiate chunk count mid-stream; a disagreeing
		// total is corruption. Drop the chunk, keep the state.
		if a.log != nil {
			a.log.Warnf("request %d: chunk reports total %d, stream established %d; dropping",
				id, numChunks, st.expected)
		}
		return st.incomplete()
	}

	// The header travels with whichever chunks the device chose to put it
	// in: some repeat it everywhere, some send it only in chunk 1. First
	// non-empty observation wins, independent of arrival order.
	if len(st.header) == 0 && len(header) > 0 {
		st.header = cloneBytes(header)
	}

	// At most one fragment per chunk number; duplicates never overwrite.
	if _, dup := st.received[thisChunk]; dup {
		if a.log != nil {
			a.log.Debugf("request %d: duplicate chunk %d/%d dropped", id, thisChunk, st.expected)
		}
		return st.incomplete()
	}
	st.received[thisChunk] = cloneBytes(body)

	if len(st.received) == st.expected {
		delete(a.pending, id)
		return Result{
			Kind:     KindComplete,
			ID:       id,
			Resource: st.resource,
			Header:   st.header,
			Body:     st.assemble(),
			Received: st.expected,
			Total:    st.expected,
		}
	}
	return st.incomplete()
}

// Expire removes the state for id and builds its Timeout result. Returns
// ok=false when the ID is not tracked.
func (a *Assembler) Expire(id uint8) (Result, bool) {
	st, ok := a.pending[id]
	if !ok {
		return Result{Kind: KindUnknownRequest, ID: id}, false
	}
	delete(a.pending, id)

	r := Result{
		Kind:     KindTimeout,
		ID:       id,
		Resource: st.resource,
		Received: len(st.received),
		Total:    st.expected,
	}
	if _, first := st.received[1]; first {
		r.Partial = st.assemble()
		r.HasPartial = true
	}
	return r, true
}

// CheckTimeouts removes and returns every state older than its timeout.
// Driven externally; the assembler never schedules its own sweeps.
func (a *Assembler) CheckTimeouts() []Result {
	now := a.now()
	var expired []uint8
	for id, st := range a.pending {
		if now.Sub(st.start) > st.timeout {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return nil
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })

	results := make([]Result, 0, len(expired))
	for _, id := range expired {
		if r, ok := a.Expire(id); ok {
			results = append(results, r)
		}
	}
	return results
}

// Cancel discards the state for id. Returns whether state existed.
func (a *Assembler) Cancel(id uint8) bool {
	if _, ok := a.pending[id]; !ok {
		return false
	}
	delete(a.pending, id)
	return true
}

// CancelAll discards every tracked state.
func (a *Assembler) CancelAll() {
	a.pending = make(map[uint8]*chunkState)
}

// PendingCount returns the number of tracked reassembly states.
func (a *Assembler) PendingCount() int {
	return len(a.pending)
}

// Progress reports received/total for a tracked id.
func (a *Assembler) Progress(id uint8) (received, total int, ok bool) {
	st, tracked := a.pending[id]
	if !tracked {
		return 0, 0, false
	}
	return len(st.received), st.expected, true
}

func (st *chunkState) incomplete() Result {
	return Result{
		Kind:     KindIncomplete,
		ID:       st.id,
		Resource: st.resource,
		Received: len(st.received),
		Total:    st.expected,
	}
}

// assemble concatenates received fragments in ascending chunk order.
func (st *chunkState) assemble() []byte {
	nums := make([]int, 0, len(st.received))
	total := 0
	for n, frag := range st.received {
		nums = append(nums, n)
		total += len(frag)
	}
	sort.Ints(nums)
	body := make([]byte, 0, total)
	for _, n := range nums {
		body = append(body, st.received[n]...)
	}
	return body
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
