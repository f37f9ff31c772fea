// Package transaction coordinates in-flight Property Exchange requests.
//
// The Manager binds the request-ID pool and the chunk assembler behind an
// async request/response API: Begin hands the caller an ID to put on the
// wire, inbound chunks are fed back through ProcessChunk, and the caller
// awaits the outcome with WaitForCompletion. Every terminal path — success,
// protocol error, timeout, cancellation — funnels through a single
// finalize step, which is the only place a request ID is ever released.
//
// All state mutation is serialized under one mutex; the pool and the
// assembler carry no locking of their own and rely on that discipline.
// WaitForCompletion never blocks the lock: waiters park on a one-shot
// buffered channel created at Begin and resolved exactly once at finalize.
package transaction

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/go-midipe/internal/assembler"
	"github.com/ehrlich-b/go-midipe/internal/constants"
	"github.com/ehrlich-b/go-midipe/internal/idpool"
	"github.com/ehrlich-b/go-midipe/internal/interfaces"
)

// ResultKind tags the terminal outcome of a transaction.
type ResultKind int

const (
	// ResultSuccess: the device replied and the response was reassembled.
	ResultSuccess ResultKind = iota
	// ResultError: the device replied with a protocol-level failure (NAK
	// or non-2xx PE status, translated by the transport layer).
	ResultError
	// ResultTimeout: the transaction outlived its deadline.
	ResultTimeout
	// ResultCancelled: the caller or a disconnect event cancelled it.
	ResultCancelled
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultError:
		return "error"
	case ResultTimeout:
		return "timeout"
	case ResultCancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// Result is delivered to the waiter when a transaction reaches a terminal
// state. Header and Body are set only for ResultSuccess; Status/Message
// only for ResultError. Both byte fields are owned by the receiver.
type Result struct {
	Kind    ResultKind
	Header  []byte
	Body    []byte
	Status  int
	Message string
}

// Transaction is the immutable record of one in-flight request.
type Transaction struct {
	ID          uint8
	Resource    string
	Destination interfaces.MUID
	Start       time.Time
	Timeout     time.Duration
}

// txnState pairs the transaction record with its waiter channel. The
// channel is buffered so finalize never blocks when no waiter is parked;
// if no WaitForCompletion has taken it by then, the manager keeps it so a
// later wait still drains the result.
type txnState struct {
	txn    Transaction
	done   chan Result
	waited bool // set once a WaitForCompletion has taken done
}

// ErrRequestIDsExhausted is returned by Begin when all 128 request IDs are
// in flight. The 128-transaction cap is a protocol constraint; callers are
// expected to backpressure or fail the operation.
var ErrRequestIDsExhausted = fmt.Errorf("all %d request IDs in use", constants.RequestIDSpace)

// Config holds manager configuration.
type Config struct {
	// DefaultTimeout applies when Begin is called with timeout <= 0.
	DefaultTimeout time.Duration
	// WarningThreshold is the active-transaction count above which Begin
	// logs a leak-risk warning.
	WarningThreshold int
	// NearExhaustionThreshold is the free-ID count below which Begin logs
	// a leak-risk warning.
	NearExhaustionThreshold int

	Logger   interfaces.Logger
	Observer interfaces.Observer
}

// DefaultConfig returns a manager configuration with the standard
// thresholds.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:          constants.DefaultTimeout,
		WarningThreshold:        constants.DefaultWarningThreshold,
		NearExhaustionThreshold: constants.DefaultNearExhaustionThreshold,
	}
}

// Manager owns the request-ID pool and the per-request assembler states.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	pool   *idpool.Pool
	asm    *assembler.Assembler
	active map[uint8]*txnState

	// unclaimed holds the result channels of transactions finalized before
	// any wait took them, keyed by request ID, until a wait claims them.
	unclaimed map[uint8]chan Result

	// now is the clock; tests override it to drive timeouts without
	// sleeping.
	now func() time.Time
}

// New creates a manager. Zero-value config fields fall back to defaults.
func New(cfg Config) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = constants.DefaultTimeout
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = constants.DefaultWarningThreshold
	}
	if cfg.NearExhaustionThreshold <= 0 {
		cfg.NearExhaustionThreshold = constants.DefaultNearExhaustionThreshold
	}
	m := &Manager{
		cfg:    cfg,
		pool:   idpool.New(),
		active: make(map[uint8]*txnState),
		now:    time.Now,

		unclaimed: make(map[uint8]chan Result),
	}
	m.asm = assembler.New(cfg.DefaultTimeout, cfg.Logger)
	return m
}

// Begin starts a transaction toward destination for the named resource and
// returns the request ID the caller must put on the outbound chunks.
// Returns ErrRequestIDsExhausted when the namespace is saturated.
func (m *Manager) Begin(resource string, destination interfaces.MUID, timeout time.Duration) (uint8, error) {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.pool.Acquire()
	if !ok {
		m.warnf("request ID namespace exhausted (%d active); rejecting %q", len(m.active), resource)
		return 0, ErrRequestIDsExhausted
	}

	start := m.now()
	m.active[id] = &txnState{
		txn: Transaction{
			ID:          id,
			Resource:    resource,
			Destination: destination,
			Start:       start,
			Timeout:     timeout,
		},
		done: make(chan Result, 1),
	}
	m.asm.Track(id, resource, timeout)

	if free := m.pool.AvailableCount(); free < m.cfg.NearExhaustionThreshold {
		m.warnf("request IDs nearly exhausted: %d free; possible transaction leak", free)
	}
	if n := len(m.active); n > m.cfg.WarningThreshold {
		m.warnf("%d active transactions exceeds warning threshold %d; possible leak", n, m.cfg.WarningThreshold)
	}

	if m.cfg.Observer != nil {
		m.cfg.Observer.ObserveBegin(resource)
		m.cfg.Observer.ObserveActiveCount(len(m.active))
	}
	m.debugf("begin request %d resource=%q dest=%07X timeout=%s", id, resource, uint32(destination), timeout)
	return id, nil
}

// Complete finalizes id with a successful response. Unknown IDs are logged
// and dropped; they indicate duplicate or late traffic.
func (m *Manager) Complete(id uint8, header, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[id]; !ok {
		m.warnf("complete for unknown request %d dropped", id)
		return
	}
	m.finalize(id, Result{Kind: ResultSuccess, Header: header, Body: body})
}

// CompleteWithError finalizes id with a device-reported failure.
func (m *Manager) CompleteWithError(id uint8, status int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[id]; !ok {
		m.warnf("error completion for unknown request %d dropped (status %d)", id, status)
		return
	}
	m.finalize(id, Result{Kind: ResultError, Status: status, Message: message})
}

// Cancel finalizes id with ResultCancelled. Unknown IDs are a no-op.
func (m *Manager) Cancel(id uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[id]; !ok {
		m.debugf("cancel for unknown request %d ignored", id)
		return
	}
	m.finalize(id, Result{Kind: ResultCancelled})
}

// CancelAllFor cancels every transaction addressed to destination. The
// disconnect path: when a device drops off the transport, its outstanding
// requests can never complete.
func (m *Manager) CancelAllFor(destination interfaces.MUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.idsLocked(func(t *txnState) bool { return t.txn.Destination == destination }) {
		m.finalize(id, Result{Kind: ResultCancelled})
	}
}

// CancelAll cancels every active transaction.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.idsLocked(nil) {
		m.finalize(id, Result{Kind: ResultCancelled})
	}
}

// ProcessChunk feeds one inbound chunk to the owning assembler state. A
// chunk for an ID with no active transaction is reported as unknown — a
// duplicate late response, a response to a cancelled transaction, or an
// ID-collision misroute — and never re-registers state. A completing chunk
// finalizes the transaction with ResultSuccess.
func (m *Manager) ProcessChunk(id uint8, thisChunk, numChunks int, header, body []byte) assembler.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.active[id]
	if !ok {
		m.infof("chunk %d/%d for unknown request %d dropped", thisChunk, numChunks, id)
		if m.cfg.Observer != nil {
			m.cfg.Observer.ObserveUnknownRequest()
		}
		return assembler.Result{Kind: assembler.KindUnknownRequest, ID: id}
	}

	before, _, _ := m.asm.Progress(id)
	r := m.asm.AddChunk(id, thisChunk, numChunks, header, body, st.txn.Resource)

	if m.cfg.Observer != nil {
		duplicate := r.Kind == assembler.KindIncomplete && r.Received == before
		m.cfg.Observer.ObserveChunk(uint64(len(body)), duplicate)
	}

	if r.Kind == assembler.KindComplete {
		m.finalize(id, Result{Kind: ResultSuccess, Header: r.Header, Body: r.Body})
	}
	return r
}

// CheckTimeouts finalizes every transaction older than its timeout and
// returns the harvested assembler results (progress and partial body
// included). Driven externally, typically at ~1 s cadence; the
// transaction-level deadline is authoritative, not the assembler's.
func (m *Manager) CheckTimeouts() []assembler.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []uint8
	for id, st := range m.active {
		if now.Sub(st.txn.Start) > st.txn.Timeout {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return nil
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })

	results := make([]assembler.Result, 0, len(expired))
	for _, id := range expired {
		st := m.active[id]
		r, ok := m.asm.Expire(id)
		if !ok {
			// Transaction and assembler state are created and destroyed
			// together; synthesize a bare result if that pairing broke.
			r = assembler.Result{Kind: assembler.KindTimeout, ID: id, Resource: st.txn.Resource}
		}
		m.warnf("request %d resource=%q timed out after %s (%d/%d chunks)",
			id, st.txn.Resource, st.txn.Timeout, r.Received, r.Total)
		m.finalize(id, Result{Kind: ResultTimeout})
		results = append(results, r)
	}
	return results
}

// WaitForCompletion blocks until id reaches a terminal state and returns
// its Result. A transaction that was finalized before any wait took its
// result delivers that result to the first later wait. An ID that is
// neither active nor holding such an unclaimed result yields
// ResultCancelled immediately. A context cancellation abandons only the
// wait: the transaction stays active, its ID stays reserved, and a caller
// that wants both lifecycles coupled must also invoke Cancel.
func (m *Manager) WaitForCompletion(ctx context.Context, id uint8) (Result, error) {
	m.mu.Lock()
	var done chan Result
	if st, ok := m.active[id]; ok {
		st.waited = true
		done = st.done
	} else if parked, ok := m.unclaimed[id]; ok {
		delete(m.unclaimed, id)
		done = parked
	} else {
		m.mu.Unlock()
		return Result{Kind: ResultCancelled}, nil
	}
	m.mu.Unlock()

	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		return Result{Kind: ResultCancelled}, ctx.Err()
	}
}

// ActiveCount returns the number of in-flight transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// PoolAvailable returns the number of free request IDs.
func (m *Manager) PoolAvailable() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.AvailableCount()
}

// Diagnostics returns a human-readable snapshot of manager state.
func (m *Manager) Diagnostics() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var b strings.Builder
	fmt.Fprintf(&b, "transactions: %d active, %d/%d request IDs free\n",
		len(m.active), m.pool.AvailableCount(), constants.RequestIDSpace)

	for _, id := range m.idsLocked(nil) {
		st := m.active[id]
		recv, total, tracked := m.asm.Progress(id)
		age := now.Sub(st.txn.Start).Round(time.Millisecond)
		if tracked && total > 0 {
			fmt.Fprintf(&b, "  [%3d] %s -> %07X age=%s timeout=%s chunks=%d/%d\n",
				id, st.txn.Resource, uint32(st.txn.Destination), age, st.txn.Timeout, recv, total)
		} else {
			fmt.Fprintf(&b, "  [%3d] %s -> %07X age=%s timeout=%s awaiting first chunk\n",
				id, st.txn.Resource, uint32(st.txn.Destination), age, st.txn.Timeout)
		}
	}
	return b.String()
}

// finalize is the single chokepoint for every terminal path. It removes
// the transaction and its assembler state, releases the request ID, and
// resumes the waiter. Must be called with m.mu held; runs at most once per
// transaction because the first call removes it from the active map.
func (m *Manager) finalize(id uint8, r Result) {
	st, ok := m.active[id]
	if !ok {
		return
	}
	delete(m.active, id)
	m.asm.Cancel(id)
	if !m.pool.Release(id) {
		m.debugf("release of request %d found it already free", id)
	}

	// Buffered one-shot: delivers whether or not a waiter is parked yet.
	st.done <- r
	if st.waited {
		delete(m.unclaimed, id)
	} else {
		m.unclaimed[id] = st.done
	}

	if m.cfg.Observer != nil {
		latency := uint64(m.now().Sub(st.txn.Start).Nanoseconds())
		switch r.Kind {
		case ResultSuccess:
			m.cfg.Observer.ObserveSuccess(uint64(len(r.Body)), latency)
		case ResultError:
			m.cfg.Observer.ObserveError(r.Status, latency)
		case ResultTimeout:
			m.cfg.Observer.ObserveTimeout(latency)
		case ResultCancelled:
			m.cfg.Observer.ObserveCancel(latency)
		}
		m.cfg.Observer.ObserveActiveCount(len(m.active))
	}
	m.debugf("finalize request %d resource=%q result=%s", id, st.txn.Resource, r.Kind)
}

// idsLocked returns active IDs in ascending order, optionally filtered.
// Must be called with m.mu held.
func (m *Manager) idsLocked(match func(*txnState) bool) []uint8 {
	ids := make([]uint8, 0, len(m.active))
	for id, st := range m.active {
		if match == nil || match(st) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Manager) debugf(format string, args ...interface{}) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Debugf(format, args...)
	}
}

func (m *Manager) infof(format string, args ...interface{}) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Infof(format, args...)
	}
}

func (m *Manager) warnf(format string, args ...interface{}) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Warnf(format, args...)
	}
}
