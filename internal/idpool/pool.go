// Package idpool allocates Property Exchange request IDs.
//
// The request ID field on the wire is 7 bits, so a connection can carry at
// most 128 concurrent transactions. The pool hands out free IDs in O(1) in
// the common case and recycles released ones. It has no internal locking;
// the transaction manager is its single owner and serializes access.
package idpool

import "github.com/ehrlich-b/go-midipe/internal/constants"

// Pool tracks which of the 128 request IDs are in use.
//
// A two-word bitmap records membership; a cursor walks the namespace so
// that consecutive acquisitions spread across it instead of reusing the
// lowest free slot. Spreading matters: a late duplicate response for a
// previously used ID is far less likely to collide with a live transaction
// when recently released IDs are not immediately rehanded out.
type Pool struct {
	bits [2]uint64
	used int
	next uint8
}

// New creates an empty pool with the cursor at ID 0.
func New() *Pool {
	return &Pool{}
}

func (p *Pool) bit(id uint8) bool {
	return p.bits[id>>6]&(1<<(id&63)) != 0
}

func (p *Pool) set(id uint8) {
	p.bits[id>>6] |= 1 << (id & 63)
}

func (p *Pool) clear(id uint8) {
	p.bits[id>>6] &^= 1 << (id & 63)
}

// Acquire returns a request ID not currently in use, or ok=false when all
// 128 IDs are taken. The cursor advances past every probed slot, including
// the returned one, so the next acquisition starts elsewhere.
func (p *Pool) Acquire() (uint8, bool) {
	for i := 0; i < constants.RequestIDSpace; i++ {
		id := p.next
		p.next = (p.next + 1) % constants.RequestIDSpace
		if !p.bit(id) {
			p.set(id)
			p.used++
			return id, true
		}
	}
	return 0, false
}

// Release marks id available again. Releasing an ID that is already free
// is a no-op; release paths may race a natural completion on disconnect,
// so this is not an error. Returns whether the ID was actually in use so
// the owner can log the redundant release at debug level.
func (p *Pool) Release(id uint8) bool {
	if id > constants.MaxRequestID || !p.bit(id) {
		return false
	}
	p.clear(id)
	p.used--
	return true
}

// IsInUse reports whether id is currently allocated.
func (p *Pool) IsInUse(id uint8) bool {
	return id <= constants.MaxRequestID && p.bit(id)
}

// UsedCount returns the number of IDs currently allocated.
func (p *Pool) UsedCount() int {
	return p.used
}

// AvailableCount returns the number of IDs currently free.
func (p *Pool) AvailableCount() int {
	return constants.RequestIDSpace - p.used
}

// ReleaseAll clears the in-use set. Teardown/reset paths only; the cursor
// keeps its position so recycling behavior is unchanged across a reset.
func (p *Pool) ReleaseAll() {
	p.bits[0] = 0
	p.bits[1] = 0
	p.used = 0
}
