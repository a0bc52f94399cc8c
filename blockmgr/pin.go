package blockmgr

import (
	"quarrydb/diskio"
	"quarrydb/status"
)

// Pin implements spec.md §4.1 "Pin": if the block is already resident
// it is a no-op; if it was written to disk it is synchronously read
// back before returning. A pin against a required reservation either
// gets a buffer or fails with status.ErrMemLimitExceeded (when nothing
// is left to evict) or status.ErrCancelled; an optional pin may report
// granted=false when the pool has no slack, matching GetNewBlock's
// (nil, nil) convention for callers that can defer the pin.
func (m *BufferedBlockMgr) Pin(b *Block) (granted bool, err error) {
	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		return false, status.ErrCancelled
	}
	slot, rerr := m.mustResolve(b.h)
	if rerr != nil {
		m.mu.Unlock()
		return false, rerr
	}
	if slot.pinned {
		m.mu.Unlock()
		return true, nil
	}

	if slot.onUnpinned {
		m.removeFromUnpinnedLocked(b.h.index)
	}

	// Wait out an in-flight write of this exact block before touching
	// its buffer, same rendezvous GetNewBlock's handoff path uses.
	for slot.inWrite {
		if slot.writeDone == nil {
			slot.writeDone = newBlockCond(&m.mu)
		}
		slot.writeDone.Wait()
		if m.cancelled {
			m.mu.Unlock()
			return false, status.ErrCancelled
		}
	}
	if slot.writeErr != nil {
		err := slot.writeErr
		m.mu.Unlock()
		return false, err
	}

	needsReadBack := slot.buf == nil && slot.wr != nil
	if !needsReadBack {
		slot.pinned = true
		if !slot.small {
			required := m.isRequiredLocked(slot.client)
			m.accountPin(slot.client, slot, required)
		}
		m.mu.Unlock()
		return true, nil
	}

	buf, required, ferr := m.findBuffer(slot.client)
	if ferr != nil {
		m.mu.Unlock()
		return false, ferr
	}
	if buf == nil {
		m.mu.Unlock()
		return false, nil
	}
	wr := slot.wr
	ioCtx := m.ioCtx
	m.mu.Unlock()

	data, rerr2 := m.io.Read(ioCtx, diskio.ScanRange{Path: wr.path, Offset: wr.offset, Length: wr.length})
	if rerr2 != nil {
		m.mu.Lock()
		m.freeIOBuffers = append(m.freeIOBuffers, buf)
		m.cvBufferAvailable.Signal()
		m.mu.Unlock()
		return false, status.Wrap("blockmgr", "read-back", rerr2)
	}
	n := copy(buf, data)

	m.mu.Lock()
	slot.buf = buf
	slot.validLen = int64(n)
	slot.pinned = true
	m.accountPin(slot.client, slot, required)
	m.mu.Unlock()
	return true, nil
}

// Unpin implements spec.md §4.1 "Unpin": marks the block reclaimable
// and enqueues it on the LIFO writeback list; the block's buffer
// remains valid until a subsequent Pin or the writeback path reclaims
// it.
func (m *BufferedBlockMgr) Unpin(b *Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, err := m.mustResolve(b.h)
	if err != nil {
		return err
	}
	if !slot.pinned {
		return nil
	}
	slot.pinned = false

	if slot.small {
		// Non-spillable blocks are charged against their client's
		// MemTracker, not the reservation pool; unpinning just drops the
		// pin flag, never enters the writeback path.
		return nil
	}
	m.unaccountPin(slot.client, slot)

	m.enqueueUnpinnedLocked(b.h.index)
	m.writeUnpinnedBlocksLocked()
	m.cvBufferAvailable.Broadcast()
	return nil
}

// Delete implements spec.md §4.1 "Delete": releases a block's storage
// permanently. A pinned block is first unpinned; a block with a write
// in flight is marked deleted and reclaimed by writeComplete once the
// write lands, per invariant 2 in block.go.
func (m *BufferedBlockMgr) Delete(b *Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, err := m.mustResolve(b.h)
	if err != nil {
		return err
	}
	if slot.pinned {
		slot.pinned = false
		if !slot.small {
			m.unaccountPin(slot.client, slot)
		}
	}
	slot.deleted = true

	if slot.inWrite {
		// writeComplete sees slot.deleted and reclaims the buffer once
		// the in-flight write finishes; nothing more to do here.
		return nil
	}

	if slot.onUnpinned {
		m.removeFromUnpinnedLocked(b.h.index)
	}
	if slot.buf != nil {
		if slot.small {
			slot.buf = nil
		} else {
			m.freeIOBuffers = append(m.freeIOBuffers, slot.buf)
			slot.buf = nil
			m.cvBufferAvailable.Signal()
		}
	}
	m.freeShellLocked(b.h.index)
	return nil
}
