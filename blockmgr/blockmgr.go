// Package blockmgr implements the Buffered Block Manager (BBM):
// spec.md §4.1. It lends fixed-size blocks to multiple clients under a
// strict budget, transparently spilling cold blocks to temporary files
// when memory is tight.
//
// The pool/eviction/free-list shape is adapted from the teacher's
// buffer.BufferMgr and buffer.Clock (Anthony4m-UltraSQL/buffer), kept
// in the same spirit — a single mutex guarding all block state, a
// condition variable for waiters — but generalized from a fixed
// database page cache to a two-tier (memory + disk) spill pool with
// per-client reservations and an async writeback path, per spec.md §5.
package blockmgr

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"quarrydb/diskio"
	"quarrydb/memtracker"
	"quarrydb/status"
	"quarrydb/tmpfile"
)

// registry is the process-wide query_id -> *BufferedBlockMgr map from
// spec.md §4.1 ("Creation"). It is guarded by its own mutex, held only
// during create/destroy, matching spec.md §9 "Global state": no
// singletons, all state owned by explicit objects.
var (
	registryMu sync.Mutex
	registry   = make(map[string]*BufferedBlockMgr)
)

// BufferedBlockMgr is the per-query spilling memory pool described in
// spec.md §3-§5.
type BufferedBlockMgr struct {
	queryID  string
	io       diskio.DiskIoMgr
	ioCtx    *diskio.Context
	tmpFiles tmpfile.Mgr

	blockSize int64

	mu sync.Mutex

	// Two condition variables per spec.md §5: one general waiter CV
	// for eviction slack, one per-block CV (stored on blockSlot) for
	// the client_local handover inside GetNewBlock.
	cvBufferAvailable *sync.Cond

	numUnreserved      int64 // limit / blockSize; unused when unlimited (limit <= 0)
	unlimited          bool
	totalReserved      int
	numUnreservedPinned int64

	blockWriteThreshold int
	nextTmpFileIdx      int

	freeIOBuffers       [][]byte // buffers detached from any block, ready to reuse
	outstandingWrites   int
	allocatedMaxBuffers int64 // max-size buffers ever allocated from the underlying pool, minus those returned to it

	// arena holds every block slot ever allocated, indexed by
	// BlockHandle.index. Slots are pointers so that a *blockSlot cached
	// across a lock release (a cvBufferAvailable.Wait, a writeDone.Wait,
	// or the unlocked I/O window in Pin/GetNewBlock) stays valid even if
	// a concurrent newSlot growing arena reallocates the backing array;
	// only the slice of pointers moves, never the slots themselves.
	arena      []*blockSlot
	freeShells []uint32 // indices of blockSlot entries available for reuse
	unpinned   *list.List
	unpinnedEl map[uint32]*list.Element

	clients map[ClientID]*clientState

	cancelled bool
	cancel    context.CancelFunc
	ctx       context.Context
}

// Create returns the BufferedBlockMgr for queryID, constructing one on
// first call and reusing it on every subsequent call for the same
// query, per spec.md §4.1 ("concurrent creates under one query return
// the same instance").
func Create(queryID string, limit int64, blockSize int64, io diskio.DiskIoMgr, tmpFiles tmpfile.Mgr) *BufferedBlockMgr {
	registryMu.Lock()
	defer registryMu.Unlock()

	if existing, ok := registry[queryID]; ok {
		return existing
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &BufferedBlockMgr{
		queryID:             queryID,
		io:                  io,
		ioCtx:               io.RegisterContext(),
		tmpFiles:            tmpFiles,
		blockSize:           blockSize,
		blockWriteThreshold: tmpFiles.NumDisks(),
		unpinned:            list.New(),
		unpinnedEl:          make(map[uint32]*list.Element),
		clients:             make(map[ClientID]*clientState),
		ctx:                 ctx,
		cancel:              cancel,
	}
	m.cvBufferAvailable = sync.NewCond(&m.mu)

	if limit <= 0 {
		m.unlimited = true
	} else {
		m.numUnreserved = limit / blockSize
	}
	if m.blockWriteThreshold <= 0 {
		m.blockWriteThreshold = 1
	}

	registry[queryID] = m
	return m
}

// Close cancels any outstanding work, removes every spill file this
// manager created, and drops the registry entry — the explicit
// destructor-time cleanup spec.md §9 calls for in place of a weak-ref
// GC hook.
func (m *BufferedBlockMgr) Close() error {
	m.mu.Lock()
	m.cancelLocked("manager closed")
	m.mu.Unlock()
	// Wait for in-flight writes outside the lock: their completion
	// callbacks reacquire m.mu.
	m.io.CancelContext(m.ioCtx)

	registryMu.Lock()
	if registry[m.queryID] == m {
		delete(registry, m.queryID)
	}
	registryMu.Unlock()

	if closer, ok := m.tmpFiles.(interface{ CloseAndRemoveAll() error }); ok {
		return closer.CloseAndRemoveAll()
	}
	return nil
}

// Cancel is the cooperative-shutdown entry point from spec.md §4.1
// ("Cancellation"): level-triggered and wakes every waiter. From then
// on Pin and GetNewBlock return status.ErrCancelled; Unpin, Delete,
// RegisterClient and the read-only accessors do not check it.
func (m *BufferedBlockMgr) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked("cancel() called")
}

func (m *BufferedBlockMgr) cancelLocked(reason string) {
	if m.cancelled {
		return
	}
	m.cancelled = true
	m.cancel()
	// Cancel without waiting: this runs under m.mu, possibly from a
	// write-completion callback that the wait would block on.
	m.ioCtx.Cancel()
	m.cvBufferAvailable.Broadcast()
	for _, s := range m.arena {
		if s.writeDone != nil {
			s.writeDone.Broadcast()
		}
	}
	log.Debug().Str("query_id", m.queryID).Str("reason", reason).Msg("blockmgr cancelled")
}

// BlockSize returns the manager's fixed max-size block length.
func (m *BufferedBlockMgr) BlockSize() int64 { return m.blockSize }

func (m *BufferedBlockMgr) IsCancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// SetBlockWriteThreshold adjusts how many writes/free buffers the
// manager tries to keep outstanding, tracking a change in the number
// of devices backing TmpFileMgr (original_source's buffered-block-mgr.cc
// recomputes this whenever the tmp-file device count changes).
func (m *BufferedBlockMgr) SetBlockWriteThreshold(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		n = 1
	}
	m.blockWriteThreshold = n
	m.writeUnpinnedBlocksLocked()
}

// newSlot allocates (or reuses from freeShells) a blockSlot and
// returns its handle. Caller must hold m.mu.
func (m *BufferedBlockMgr) newSlot() (uint32, *blockSlot) {
	if n := len(m.freeShells); n > 0 {
		idx := m.freeShells[n-1]
		m.freeShells = m.freeShells[:n-1]
		s := m.arena[idx]
		s.generation++
		s.free = false
		return idx, s
	}
	idx := uint32(len(m.arena))
	s := &blockSlot{generation: 1}
	m.arena = append(m.arena, s)
	return idx, s
}

func (m *BufferedBlockMgr) handleOf(idx uint32, s *blockSlot) BlockHandle {
	return BlockHandle{index: idx, generation: s.generation}
}

// resolve returns the live slot for h, or nil if h is stale (points at
// a since-reused arena entry) or out of range.
func (m *BufferedBlockMgr) resolve(h BlockHandle) *blockSlot {
	if int(h.index) >= len(m.arena) {
		return nil
	}
	s := m.arena[h.index]
	if s.generation != h.generation || s.free {
		return nil
	}
	return s
}

func (m *BufferedBlockMgr) mustResolve(h BlockHandle) (*blockSlot, error) {
	s := m.resolve(h)
	if s == nil {
		return nil, fmt.Errorf("blockmgr: stale or invalid block handle %+v", h)
	}
	return s, nil
}

// Stats is a point-in-time snapshot useful for tests and the
// cmd/spillbench demo.
type Stats struct {
	FreeIOBuffers     int
	OutstandingWrites int
	UnpinnedBlocks    int
	NumUnreservedPinned int64
	TotalReserved     int
}

func (m *BufferedBlockMgr) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		FreeIOBuffers:       len(m.freeIOBuffers),
		OutstandingWrites:   m.outstandingWrites,
		UnpinnedBlocks:      m.unpinned.Len(),
		NumUnreservedPinned: m.numUnreservedPinned,
		TotalReserved:       m.totalReserved,
	}
}

func wrapCancelled() error { return status.ErrCancelled }
