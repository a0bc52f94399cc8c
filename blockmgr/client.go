package blockmgr

import "quarrydb/memtracker"

// ClientID identifies a registered accounting partition of a
// BufferedBlockMgr (spec.md §3 "Client").
type ClientID uint32

// clientState tracks a client's reservation and outstanding pins. A
// client reserves a floor of max-size buffers; pins beyond that floor
// are "optional" and only granted when the shared pool has slack.
type clientState struct {
	reserved int
	pinned   int
	tracker  memtracker.MemTracker
	// runtimeErr is stashed by a failed write issued on behalf of this
	// client (spec.md §7 "write failures are stashed into the
	// originating client's runtime state").
	runtimeErr error
}

// RegisterClient reserves `reserved` max-size buffers for a new
// client, decreasing the manager's shared unreserved pool accordingly.
// tracker may be nil.
func (m *BufferedBlockMgr) RegisterClient(reserved int, tracker memtracker.MemTracker) ClientID {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := ClientID(len(m.clients) + 1)
	m.clients[id] = &clientState{reserved: reserved, tracker: tracker}
	m.numUnreserved -= int64(reserved)
	m.totalReserved += reserved
	return id
}

// LowerReservation reduces a client's reservation floor; reservations
// may only be lowered, never raised, per spec.md §4.1.
func (m *BufferedBlockMgr) LowerReservation(id ClientID, newReserved int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.clients[id]
	if c == nil || newReserved >= c.reserved {
		return
	}
	delta := c.reserved - newReserved
	c.reserved = newReserved
	m.numUnreserved += int64(delta)
	m.totalReserved -= delta
	m.cvBufferAvailable.Broadcast()
}

// ClientRuntimeError returns the error a failed writeback stashed for
// client id, if any (spec.md §7 Propagation).
func (m *BufferedBlockMgr) ClientRuntimeError(id ClientID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.clients[id]; c != nil {
		return c.runtimeErr
	}
	return nil
}

// PinCount reports how many blocks id currently has pinned.
func (m *BufferedBlockMgr) PinCount(id ClientID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.clients[id]; c != nil {
		return c.pinned
	}
	return 0
}
