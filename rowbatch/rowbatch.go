// Package rowbatch implements the RowBatch external interface from
// spec.md §6: a fixed-capacity array of tuple slots plus a pooled
// arena for the variable-length data those tuples point into. Both
// BTS's GetNext and PCR's Stage F materialization write rows through
// this contract.
//
// The growable backing arena is adapted from the teacher's kfile.Page
// (Anthony4m-UltraSQL/kfile/Page.go): a single byte slice grown on
// demand, with length-prefixed variable-length regions, generalized
// here from one fixed-size database page to an unbounded per-batch
// scratch pool.
package rowbatch

import "fmt"

// Tuple is an opaque per-row payload; callers define their own layout
// (fixed-width columns plus offsets into the batch's data pool) and
// store it here as whatever concrete type they choose.
type Tuple interface{}

// Batch is a concrete RowBatch: capacity rows, each an opaque Tuple,
// backed by a growable byte arena for variable-length data.
type Batch struct {
	capacity int
	rows     []Tuple
	lastIdx  int // index returned by the most recent AddRow, -1 if none pending

	pool         []byte
	needToReturn bool
}

// New returns an empty batch able to hold up to capacity rows.
func New(capacity int) *Batch {
	return &Batch{
		capacity: capacity,
		rows:     make([]Tuple, 0, capacity),
		lastIdx:  -1,
	}
}

// AddRow reserves the next row slot and returns its index, per
// spec.md §6 "add_row() -> idx". Callers must not call AddRow again
// before committing or discarding the previous reservation.
func (b *Batch) AddRow() (int, error) {
	if b.AtCapacity() {
		return -1, fmt.Errorf("rowbatch: at capacity (%d)", b.capacity)
	}
	b.rows = append(b.rows, nil)
	b.lastIdx = len(b.rows) - 1
	return b.lastIdx, nil
}

// Set assigns the tuple payload for a previously reserved row index.
func (b *Batch) Set(idx int, t Tuple) {
	b.rows[idx] = t
}

// CommitRows is the spec.md §6 "commit_rows(n)" entry point. AddRow
// already counts every row it adds, so CommitRows changes nothing.
func (b *Batch) CommitRows(n int) {
	// rows already holds every added entry; CommitRows exists for
	// parity with callers that reserved ahead via AddRow in a loop and
	// now want to finalize the count explicitly. A no-op here since
	// AddRow already appended — kept for interface-contract fidelity.
	_ = n
}

// CommitLastRow finalizes the single row most recently returned by
// AddRow, per spec.md §6 "commit_last_row".
func (b *Batch) CommitLastRow() {
	b.lastIdx = -1
}

// DiscardLastRow drops the most recently reserved row without
// committing it, used when a filter predicate rejects it.
func (b *Batch) DiscardLastRow() {
	if b.lastIdx >= 0 && b.lastIdx == len(b.rows)-1 {
		b.rows = b.rows[:b.lastIdx]
	}
	b.lastIdx = -1
}

func (b *Batch) AtCapacity() bool { return len(b.rows) >= b.capacity }
func (b *Batch) Capacity() int    { return b.capacity }
func (b *Batch) NumRows() int     { return len(b.rows) }

// Row returns the tuple at idx.
func (b *Batch) Row(idx int) Tuple { return b.rows[idx] }

// Rows returns every committed tuple in order.
func (b *Batch) Rows() []Tuple { return b.rows }

// TupleDataPool appends data to the batch's variable-length arena and
// returns the offset it was written at, per spec.md §6
// "tuple_data_pool". Tuples store this offset (plus length) rather
// than a Go slice header, so the whole batch can be copied or handed
// across a channel as one unit.
func (b *Batch) TupleDataPool(data []byte) int {
	off := len(b.pool)
	b.pool = append(b.pool, data...)
	return off
}

// PoolBytes returns the len bytes of arena data starting at off,
// previously written by TupleDataPool.
func (b *Batch) PoolBytes(off, length int) []byte {
	return b.pool[off : off+length]
}

// MarkNeedToReturn flags that the batch must be handed back to its
// consumer even if not yet at capacity, per spec.md §6
// "mark_need_to_return" — used at end-of-stream or when a blocking
// operator needs to yield control.
func (b *Batch) MarkNeedToReturn() { b.needToReturn = true }

func (b *Batch) NeedToReturn() bool { return b.needToReturn }

// Reset empties the batch for reuse, keeping its backing arrays.
func (b *Batch) Reset() {
	b.rows = b.rows[:0]
	b.pool = b.pool[:0]
	b.lastIdx = -1
	b.needToReturn = false
}
