package blockmgr

import (
	"fmt"

	"quarrydb/status"
)

// GetNewBlock implements spec.md §4.1 "Block acquisition". If length
// is non-negative it requests a non-spillable buffer of exactly that
// size (a "small" bootstrap block); otherwise it obtains a max-size
// buffer via the eviction algorithm. When unpinBlock is provided, its
// buffer is handed directly to the new block once unpinBlock's
// contents are safely persisted, bypassing the general free-list
// search entirely (spec.md §4.1: "its buffer is transferred to the
// new block after the old block's contents are safely persisted").
// A small unpinBlock is only unpinned, never written or handed over;
// the new block then comes from the ordinary search.
//
// Returns (nil, nil) for an optional request that could not be
// granted (not an error, per spec.md §4.1/§7); returns
// status.ErrMemLimitExceeded for a required request that could not be
// served; returns status.ErrCancelled if the manager was or became
// cancelled while waiting.
func (m *BufferedBlockMgr) GetNewBlock(client ClientID, unpinBlock *Block, length int64) (*Block, error) {
	if length >= 0 {
		return m.getNewSmallBlock(client, unpinBlock, length)
	}
	if unpinBlock != nil && unpinBlock.IsSmall() {
		if err := m.Unpin(unpinBlock); err != nil {
			return nil, err
		}
		unpinBlock = nil
	}
	if unpinBlock != nil {
		return m.getNewBlockViaHandoff(client, unpinBlock)
	}

	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		return nil, status.ErrCancelled
	}

	idx, slot := m.newSlot()
	slot.client = client

	buf, required, err := m.findBuffer(client)
	if err != nil {
		m.freeShellLocked(idx)
		m.mu.Unlock()
		return nil, err
	}
	if buf == nil {
		// findBuffer only returns a nil buffer with a nil error for an
		// optional request that found no slack (a required request
		// that fails comes back as an error above).
		m.freeShellLocked(idx)
		m.mu.Unlock()
		return nil, nil
	}
	slot.buf = buf
	slot.pinned = true
	m.accountPin(client, slot, required)
	m.mu.Unlock()

	return &Block{mgr: m, h: m.handleOf(idx, slot)}, nil
}

func (m *BufferedBlockMgr) getNewSmallBlock(client ClientID, unpinBlock *Block, length int64) (*Block, error) {
	if unpinBlock != nil {
		return nil, fmt.Errorf("blockmgr: unpinBlock must be nil for a sized (non-spillable) request")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelled {
		return nil, status.ErrCancelled
	}
	var tracker minimalTracker = noTracker{}
	if c := m.clients[client]; c != nil && c.tracker != nil {
		tracker = trackerAdapter{c.tracker}
	}
	if !tracker.TryConsume(length) {
		return nil, nil // charge failure => success-with-no-block, not an error
	}

	idx, slot := m.newSlot()
	slot.client = client
	slot.small = true
	slot.buf = make([]byte, length)
	slot.pinned = true
	slot.validLen = length
	return &Block{mgr: m, h: m.handleOf(idx, slot)}, nil
}

// findBuffer implements spec.md §4.1 "Eviction algorithm — find_buffer".
// Caller must hold m.mu; returns (buffer, wasRequired, error). A nil
// buffer with a nil error means "optional, no slack, try later".
func (m *BufferedBlockMgr) findBuffer(client ClientID) ([]byte, bool, error) {
	required := m.isRequiredLocked(client)

	if !required && m.numUnreservedPinned >= m.availableUnreserved() {
		return nil, false, nil
	}

	// Step 4a: grow if we have spill headroom and haven't hit the
	// write-threshold worth of free buffers yet.
	if len(m.freeIOBuffers) < m.blockWriteThreshold {
		if buf, ok := m.tryGrow(); ok {
			return buf, required, nil
		}
	}

	// Step 4b: reuse a free buffer.
	if len(m.freeIOBuffers) > 0 {
		buf := m.freeIOBuffers[0]
		m.freeIOBuffers = m.freeIOBuffers[1:]
		return buf, required, nil
	}

	// Step 4c: wait for writeback to free something, issuing more
	// writes as needed.
	for {
		if m.unpinned.Len() == 0 && m.outstandingWrites == 0 {
			if required {
				return nil, true, status.ErrMemLimitExceeded
			}
			return nil, false, nil
		}
		m.writeUnpinnedBlocksLocked()
		m.cvBufferAvailable.Wait()
		if m.cancelled {
			return nil, required, status.ErrCancelled
		}
		if len(m.freeIOBuffers) > 0 {
			buf := m.freeIOBuffers[0]
			m.freeIOBuffers = m.freeIOBuffers[1:]
			return buf, required, nil
		}
	}
}

func (m *BufferedBlockMgr) isRequiredLocked(client ClientID) bool {
	c := m.clients[client]
	return c == nil || c.pinned < c.reserved
}

func (m *BufferedBlockMgr) availableUnreserved() int64 {
	if m.unlimited {
		return 1 << 50
	}
	return m.numUnreserved
}

// tryGrow allocates a brand-new max-size buffer from the underlying
// pool, if the shared budget allows it.
func (m *BufferedBlockMgr) tryGrow() ([]byte, bool) {
	if !m.unlimited && m.allocatedMaxBuffers >= m.numUnreserved+int64(m.totalReserved) {
		return nil, false
	}
	m.allocatedMaxBuffers++
	return make([]byte, m.blockSize), true
}

// accountPin records a newly granted pin against client and, when
// required is false, against the shared unreserved-pinned counter.
// The slot records which regime it was granted under so unaccountPin
// can reverse the exact same charge later regardless of how the
// client's reservation balance has since changed.
func (m *BufferedBlockMgr) accountPin(client ClientID, slot *blockSlot, required bool) {
	if c := m.clients[client]; c != nil {
		c.pinned++
	}
	slot.unreservedPin = !required
	if !required {
		m.numUnreservedPinned++
	}
}

func (m *BufferedBlockMgr) unaccountPin(client ClientID, slot *blockSlot) {
	if c := m.clients[client]; c != nil && c.pinned > 0 {
		c.pinned--
	}
	if slot.unreservedPin && m.numUnreservedPinned > 0 {
		m.numUnreservedPinned--
	}
	slot.unreservedPin = false
}

func (m *BufferedBlockMgr) freeShellLocked(idx uint32) {
	s := m.arena[idx]
	*s = blockSlot{generation: s.generation, free: true}
	m.freeShells = append(m.freeShells, idx)
}

// getNewBlockViaHandoff implements the unpin_block handoff clause of
// spec.md §4.1: persist unpinBlock synchronously, then move its
// buffer directly onto a freshly minted block for client.
func (m *BufferedBlockMgr) getNewBlockViaHandoff(client ClientID, unpinBlock *Block) (*Block, error) {
	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		return nil, status.ErrCancelled
	}
	oldSlot, err := m.mustResolve(unpinBlock.h)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if oldSlot.pinned {
		oldSlot.pinned = false
		if !oldSlot.small {
			m.unaccountPin(oldSlot.client, oldSlot)
		}
	}
	oldSlot.clientLocal = true
	if oldSlot.writeDone == nil {
		oldSlot.writeDone = newBlockCond(&m.mu)
	}
	m.enqueueUnpinnedLocked(unpinBlock.h.index)
	if !oldSlot.inWrite {
		m.issueWriteLocked(unpinBlock.h.index)
	}

	for oldSlot.inWrite {
		oldSlot.writeDone.Wait()
		if m.cancelled {
			m.mu.Unlock()
			return nil, status.ErrCancelled
		}
	}
	if oldSlot.writeErr != nil {
		werr := oldSlot.writeErr
		m.mu.Unlock()
		return nil, werr
	}

	// The old block's buffer is still attached (writeComplete leaves it
	// resident for a client_local handoff) — steal it directly.
	buf := oldSlot.buf
	oldSlot.buf = nil
	oldSlot.clientLocal = false
	m.removeFromUnpinnedLocked(unpinBlock.h.index)

	required := m.isRequiredLocked(client)
	idx, newSlot := m.newSlot()
	newSlot.client = client
	newSlot.buf = buf
	newSlot.pinned = true
	m.accountPin(client, newSlot, required)
	m.mu.Unlock()

	return &Block{mgr: m, h: m.handleOf(idx, newSlot)}, nil
}

// trackerAdapter/noTracker let small-block allocation share the
// MemTracker.TryConsume check without this package importing the
// memtracker package's concrete type.
type minimalTracker interface{ TryConsume(int64) bool }

type trackerAdapter struct{ t minimalTracker }

func (a trackerAdapter) TryConsume(n int64) bool { return a.t.TryConsume(n) }

type noTracker struct{}

func (noTracker) TryConsume(int64) bool { return true }
