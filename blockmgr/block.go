package blockmgr

import "sync"

// BlockHandle is a stable, generation-checked reference to a block
// slot in the manager's arena. It never embeds a pointer across an API
// boundary (spec.md §9 "Cyclic references"): callers hold a value,
// BufferedBlockMgr holds the actual slot in its arena table, and a
// stale handle — one whose generation no longer matches the slot's
// current generation — is rejected cheaply instead of dereferenced.
type BlockHandle struct {
	index      uint32
	generation uint32
}

// Valid reports whether h was ever issued (the zero handle is never
// issued by GetNewBlock).
func (h BlockHandle) Valid() bool { return h.generation != 0 }

// writeRange records where a block's contents last landed on a spill
// device, replaced each time the block is written and consulted by
// Pin to read the data back.
type writeRange struct {
	diskID int
	path   string
	offset int64
	length int64
}

// blockSlot is the arena entry a BlockHandle resolves to. All fields
// are only ever touched while mgr.mu is held, except buf.data itself
// (which callers read/write after Pin returns, matching spec.md §5's
// "no BBM lock held during the drain").
type blockSlot struct {
	generation uint32

	client        ClientID
	buf           []byte // nil when unattached, matches BufferDesc.owner == none
	validLen      int64
	wr            *writeRange
	small         bool // non-spillable bootstrap block
	pinned        bool
	unreservedPin bool // true if this pin was charged against the shared unreserved pool, not the client's own reservation, at the moment it was granted
	inWrite       bool
	deleted       bool
	clientLocal   bool
	onUnpinned    bool // is this slot currently queued in the unpinned LIFO?

	// writeDone is signalled by writeComplete once this slot's
	// in-flight write finishes; used only for the client_local
	// handover inside GetNewBlock (spec.md §5 "write_complete_cv").
	writeDone *sync.Cond
	writeErr  error

	free bool // true while sitting in the free block-shell pool
}

func (s *blockSlot) invariantBufferImpliesPinnable() bool {
	// Invariant 1: buffer == none ⇒ !pinned ∧ !inWrite.
	if s.buf == nil {
		return !s.pinned && !s.inWrite
	}
	return true
}

func (s *blockSlot) invariantDeletedImpliesUnpinned() bool {
	// Invariant 2: deleted ⇒ !pinned ∧ (inWrite ∨ buffer == none).
	if s.deleted {
		return !s.pinned && (s.inWrite || s.buf == nil)
	}
	return true
}
