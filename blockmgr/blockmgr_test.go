package blockmgr

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quarrydb/diskio"
	"quarrydb/memtracker"
	"quarrydb/tmpfile"
)

const testBlockSize = 64

func newTestMgr(t *testing.T, limit int64) *BufferedBlockMgr {
	t.Helper()
	dir, err := os.MkdirTemp("", "blockmgr-test-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	io := diskio.New([]string{dir}, 1<<20, 4)
	tf, err := tmpfile.New([]string{dir})
	require.NoError(t, err)

	queryID := fmt.Sprintf("q-%s", dir)
	m := Create(queryID, limit, testBlockSize, io, tf)
	t.Cleanup(func() { m.Close() })
	return m
}

// BBM-01: a client that never exceeds its reservation always gets a
// granted, non-nil block back.
func TestGetNewBlockWithinReservation(t *testing.T) {
	m := newTestMgr(t, 4*testBlockSize)
	client := m.RegisterClient(2, nil)

	b1, err := m.GetNewBlock(client, nil, -1)
	require.NoError(t, err)
	require.NotNil(t, b1)
	require.True(t, b1.IsPinned())

	b2, err := m.GetNewBlock(client, nil, -1)
	require.NoError(t, err)
	require.NotNil(t, b2)
	require.Equal(t, 2, m.PinCount(client))
}

// BBM-02: once the shared pool is exhausted, a required allocation
// blocks until writeback frees a buffer, and an optional one reports
// granted=false (nil, nil) instead of blocking forever.
func TestGetNewBlockExhaustion(t *testing.T) {
	m := newTestMgr(t, 1*testBlockSize)
	client := m.RegisterClient(1, nil)

	b1, err := m.GetNewBlock(client, nil, -1)
	require.NoError(t, err)
	require.NotNil(t, b1)

	// client has no more reservation left, so a second request is
	// optional and the single shared buffer is already pinned out.
	b2, err := m.GetNewBlock(client, nil, -1)
	require.NoError(t, err)
	require.Nil(t, b2)

	require.NoError(t, m.Unpin(b1))

	b3, err := m.GetNewBlock(client, nil, -1)
	require.NoError(t, err)
	require.NotNil(t, b3)
}

// BBM-03: unpinning and deleting a block returns its buffer to the
// free list so later allocations can reuse it without growing the
// pool further.
func TestUnpinAndDeleteReclaimsBuffer(t *testing.T) {
	m := newTestMgr(t, 1*testBlockSize)
	client := m.RegisterClient(1, nil)

	b1, err := m.GetNewBlock(client, nil, -1)
	require.NoError(t, err)
	require.NoError(t, m.Unpin(b1))
	require.NoError(t, m.Delete(b1))

	// Unpin issued a write; a block deleted mid-write gets its buffer
	// back only when that write completes.
	require.Eventually(t, func() bool { return m.Stats().OutstandingWrites == 0 }, time.Second, time.Millisecond)

	stats := m.Stats()
	require.Equal(t, 1, stats.FreeIOBuffers)
	require.Equal(t, 0, stats.UnpinnedBlocks)

	b2, err := m.GetNewBlock(client, nil, -1)
	require.NoError(t, err)
	require.NotNil(t, b2)
}

// A stale BlockHandle (one whose slot has been reused) must never
// resolve to live data — the generation counter from spec.md §9 is
// the whole point of the arena design.
func TestStaleHandleRejected(t *testing.T) {
	m := newTestMgr(t, 1*testBlockSize)
	client := m.RegisterClient(1, nil)

	b1, err := m.GetNewBlock(client, nil, -1)
	require.NoError(t, err)
	staleHandle := b1.Handle()
	require.NoError(t, m.Unpin(b1))
	require.NoError(t, m.Delete(b1))

	// Allocate again; a recycled shell would carry a new generation.
	b2, err := m.GetNewBlock(client, nil, -1)
	require.NoError(t, err)
	require.NotEqual(t, staleHandle, b2.Handle())

	stale := &Block{mgr: m, h: staleHandle}
	require.Nil(t, stale.Data())
}

// Small, non-spillable blocks are charged against the supplied
// MemTracker and never participate in the writeback LIFO.
func TestSmallBlockChargesTracker(t *testing.T) {
	m := newTestMgr(t, 4*testBlockSize)
	tracker := &fakeTracker{limit: 10}
	client := m.RegisterClient(0, tracker)

	b, err := m.GetNewBlock(client, nil, 6)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.True(t, b.IsSmall())
	require.Equal(t, int64(6), tracker.consumed)

	b2, err := m.GetNewBlock(client, nil, 6)
	require.NoError(t, err)
	require.Nil(t, b2) // only 4 bytes of headroom left
}

// Cancel is level-triggered: a GetNewBlock issued after it returns
// ErrCancelled.
func TestCancelIsLevelTriggered(t *testing.T) {
	m := newTestMgr(t, 1*testBlockSize)
	client := m.RegisterClient(1, nil)

	b1, err := m.GetNewBlock(client, nil, -1)
	require.NoError(t, err)
	require.NotNil(t, b1)

	m.Cancel()

	_, err = m.GetNewBlock(client, nil, -1)
	require.ErrorIs(t, err, errCancelledSentinel())
}

type fakeTracker struct {
	limit    int64
	consumed int64
}

func (f *fakeTracker) TryConsume(n int64) bool {
	if f.consumed+n > f.limit {
		return false
	}
	f.consumed += n
	return true
}
func (f *fakeTracker) Consume(n int64) { f.consumed += n }
func (f *fakeTracker) Release(n int64) { f.consumed -= n }
func (f *fakeTracker) ConsumeLocal(n int64, ancestor memtracker.MemTracker) {
	f.consumed += n
}
func (f *fakeTracker) ReleaseLocal(n int64, ancestor memtracker.MemTracker) {
	f.consumed -= n
}
func (f *fakeTracker) LimitExceeded() bool  { return f.consumed > f.limit }
func (f *fakeTracker) SpareCapacity() int64 { return f.limit - f.consumed }
func (f *fakeTracker) Consumption() int64   { return f.consumed }

func errCancelledSentinel() error { return wrapCancelled() }
