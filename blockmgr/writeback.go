package blockmgr

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"quarrydb/diskio"
)

func newBlockCond(l sync.Locker) *sync.Cond { return sync.NewCond(l) }

// enqueueUnpinnedLocked appends idx to the LIFO unpinned queue. Caller
// must hold m.mu.
func (m *BufferedBlockMgr) enqueueUnpinnedLocked(idx uint32) {
	if _, already := m.unpinnedEl[idx]; already {
		return
	}
	el := m.unpinned.PushBack(idx)
	m.unpinnedEl[idx] = el
	m.arena[idx].onUnpinned = true
}

func (m *BufferedBlockMgr) removeFromUnpinnedLocked(idx uint32) {
	if el, ok := m.unpinnedEl[idx]; ok {
		m.unpinned.Remove(el)
		delete(m.unpinnedEl, idx)
	}
	m.arena[idx].onUnpinned = false
}

// writeUnpinnedBlocksLocked issues writes LIFO from the unpinned queue
// while outstandingWrites+len(freeIOBuffers) < blockWriteThreshold, per
// spec.md §4.1 "Writeback policy". Caller must hold m.mu.
func (m *BufferedBlockMgr) writeUnpinnedBlocksLocked() {
	for m.outstandingWrites+len(m.freeIOBuffers) < m.blockWriteThreshold {
		idx, ok := m.nextWriteCandidateLocked()
		if !ok {
			return
		}
		m.issueWriteLocked(idx)
	}
}

// nextWriteCandidateLocked walks the unpinned list from its most
// recently queued end, skipping blocks already in flight.
func (m *BufferedBlockMgr) nextWriteCandidateLocked() (uint32, bool) {
	for e := m.unpinned.Back(); e != nil; e = e.Prev() {
		idx := e.Value.(uint32)
		if !m.arena[idx].inWrite {
			return idx, true
		}
	}
	return 0, false
}

func (m *BufferedBlockMgr) issueWriteLocked(idx uint32) {
	slot := m.arena[idx]
	disk := m.nextTmpFileIdx % m.blockWriteThreshold
	m.nextTmpFileIdx++

	f, err := m.tmpFiles.GetFile(disk, m.queryID, "default")
	if err != nil {
		m.failWriteLocked(idx, fmt.Errorf("blockmgr: get spill file: %w", err))
		return
	}
	length := int64(len(slot.buf))
	offset, err := f.AllocateSpace(length)
	if err != nil {
		m.failWriteLocked(idx, fmt.Errorf("blockmgr: allocate spill space: %w", err))
		return
	}

	slot.inWrite = true
	slot.wr = &writeRange{diskID: disk, path: f.Path(), offset: offset, length: length}
	m.outstandingWrites++

	data := slot.buf
	path := f.Path()
	err = m.io.AddWriteRange(m.ioCtx, diskio.WriteRange{
		Path:   path,
		Offset: offset,
		Disk:   disk,
		Data:   data,
		Complete: func(werr error) {
			m.writeComplete(idx, werr)
		},
	})
	if err != nil {
		m.failWriteLocked(idx, err)
	}
}

func (m *BufferedBlockMgr) failWriteLocked(idx uint32, err error) {
	slot := m.arena[idx]
	slot.inWrite = false
	slot.writeErr = err
	m.outstandingWrites--
	if c := m.clients[slot.client]; c != nil {
		c.runtimeErr = err
	}
	m.cancelLocked("writeback failed: " + err.Error())
	if slot.writeDone != nil {
		slot.writeDone.Broadcast()
	}
}

// writeComplete is the I/O-subsystem completion callback from
// spec.md §4.1 "Write completion". It reacquires the lock, as §5
// mandates, and must be panic-safe since it runs while holding it.
func (m *BufferedBlockMgr) writeComplete(idx uint32, writeErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(idx) >= len(m.arena) {
		return
	}
	slot := m.arena[idx]
	slot.inWrite = false
	m.outstandingWrites--

	if writeErr != nil {
		slot.writeErr = writeErr
		if c := m.clients[slot.client]; c != nil {
			c.runtimeErr = writeErr
		}
		m.cancelLocked("write failed: " + writeErr.Error())
		if slot.clientLocal && slot.writeDone != nil {
			slot.writeDone.Signal()
		} else {
			m.cvBufferAvailable.Broadcast()
		}
		return
	}

	if slot.pinned {
		// Re-pinned while queued: leave the buffer attached, just try
		// to keep the writeback pipeline full.
		m.writeUnpinnedBlocksLocked()
		return
	}

	if slot.deleted {
		m.reclaimBufferLocked(idx)
		m.cvBufferAvailable.Signal()
		log.Debug().Uint32("block", idx).Msg("reclaimed buffer of block deleted in flight")
		m.writeUnpinnedBlocksLocked()
		return
	}

	if slot.clientLocal {
		if slot.writeDone != nil {
			slot.writeDone.Signal()
		}
		return
	}

	m.reclaimBufferLocked(idx)
	m.cvBufferAvailable.Signal()
	m.writeUnpinnedBlocksLocked()
}

// reclaimBufferLocked moves a written-back block's buffer to the free
// list and removes the block from the unpinned queue.
func (m *BufferedBlockMgr) reclaimBufferLocked(idx uint32) {
	slot := m.arena[idx]
	if slot.buf != nil {
		m.freeIOBuffers = append(m.freeIOBuffers, slot.buf)
		slot.buf = nil
	}
	m.removeFromUnpinnedLocked(idx)
}
