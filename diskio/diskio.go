// Package diskio models the DiskIoMgr external collaborator from
// spec.md §6. The block manager and Parquet column reader tree only
// ever see the DiskIoMgr interface; LocalDiskIoMgr is a goroutine-pool
// backed implementation over *os.File good enough to run and test the
// engine standalone.
//
// The open-file cache and seek/read/write plumbing is adapted from the
// teacher's kfile.FileMgr (Anthony4m-UltraSQL/kfile/fileMgr.go),
// generalized from fixed-size block I/O to arbitrary scan/write
// ranges.
package diskio

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// ScanRange is a request to read a half-open byte interval of a file.
type ScanRange struct {
	Path   string
	Offset int64
	Length int64
}

// WriteRange describes a write-once, fire-and-forget write: a block of
// bytes destined for (file, offset, disk). Complete is invoked from a
// worker goroutine once the write lands or fails; it must not block.
type WriteRange struct {
	Path     string
	Offset   int64
	Disk     int
	Data     []byte
	Complete func(err error)
}

// Context scopes scan/write ranges to one consumer (one query
// fragment) so CancelContext can stop its in-flight work without
// touching other consumers sharing the same DiskIoMgr.
type Context struct {
	id       int64
	mgr      *LocalDiskIoMgr
	mu       sync.Mutex
	cancel   context.CancelFunc
	ctx      context.Context
	inflight sync.WaitGroup
}

func (c *Context) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// DiskIoMgr is the external collaborator contract consumed by blockmgr
// and parquetreader.
type DiskIoMgr interface {
	RegisterContext() *Context
	AddScanRanges(ctx *Context, ranges []ScanRange, scheduleNow bool) error
	AddWriteRange(ctx *Context, wr WriteRange) error
	Read(ctx *Context, r ScanRange) ([]byte, error)
	CancelContext(ctx *Context)
	MaxReadBufferSize() int
	NumDisks() int
}

// LocalDiskIoMgr implements DiskIoMgr over the local filesystem. One
// semaphore shared by all disks bounds concurrent I/O; each write goes
// to the path its WriteRange names, so spreading writes across disks
// is left to the caller.
type LocalDiskIoMgr struct {
	dirs             []string
	maxReadBuf       int
	mu               sync.Mutex
	openFiles        map[string]*os.File
	nextCtxID        int64
	workers          chan struct{} // semaphore bounding concurrent I/O
}

// New creates a manager that reads/writes under the given disk
// directories (one slot per simulated spill device).
func New(dirs []string, maxReadBuf, maxConcurrentIO int) *LocalDiskIoMgr {
	if maxConcurrentIO <= 0 {
		maxConcurrentIO = 8
	}
	return &LocalDiskIoMgr{
		dirs:       dirs,
		maxReadBuf: maxReadBuf,
		openFiles:  make(map[string]*os.File),
		workers:    make(chan struct{}, maxConcurrentIO),
	}
}

func (m *LocalDiskIoMgr) NumDisks() int         { return len(m.dirs) }
func (m *LocalDiskIoMgr) MaxReadBufferSize() int { return m.maxReadBuf }

func (m *LocalDiskIoMgr) RegisterContext() *Context {
	m.mu.Lock()
	m.nextCtxID++
	id := m.nextCtxID
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	return &Context{id: id, mgr: m, ctx: ctx, cancel: cancel}
}

func (m *LocalDiskIoMgr) CancelContext(c *Context) {
	c.Cancel()
	c.inflight.Wait()
}

func (m *LocalDiskIoMgr) getFile(path string) (*os.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.openFiles[path]; ok {
		return f, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("diskio: open %s: %w", path, err)
	}
	m.openFiles[path] = f
	return f, nil
}

// Read performs a synchronous read of r, used by blockmgr's Pin() to
// drain a scan range while holding no BBM lock, and by parquetreader's
// footer/page fetch.
func (m *LocalDiskIoMgr) Read(ctx *Context, r ScanRange) ([]byte, error) {
	select {
	case <-ctx.ctx.Done():
		return nil, ctx.ctx.Err()
	default:
	}
	f, err := m.getFile(r.Path)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, r.Length)
	n, err := f.ReadAt(buf, r.Offset)
	if err != nil && int64(n) < r.Length {
		return nil, fmt.Errorf("diskio: read %s@%d+%d: %w", r.Path, r.Offset, r.Length, err)
	}
	return buf[:n], nil
}

// AddScanRanges opens the file behind each range so later Read calls
// find it cached; it issues no reads and does no background prefetch.
// scheduleNow (PCR Stage D passes true) is accepted and ignored. It is
// present to match the DiskIoMgr contract in spec.md §6.
func (m *LocalDiskIoMgr) AddScanRanges(ctx *Context, ranges []ScanRange, scheduleNow bool) error {
	_ = scheduleNow
	for _, r := range ranges {
		if _, err := m.getFile(r.Path); err != nil {
			return err
		}
	}
	return nil
}

// AddWriteRange schedules wr's write on a worker goroutine and returns
// immediately; the write is fired-and-forgotten per spec.md §4.1
// Writeback policy, with completion delivered via wr.Complete.
func (m *LocalDiskIoMgr) AddWriteRange(ctx *Context, wr WriteRange) error {
	ctx.inflight.Add(1)
	select {
	case m.workers <- struct{}{}:
	case <-ctx.ctx.Done():
		ctx.inflight.Done()
		return ctx.ctx.Err()
	}
	go func() {
		defer ctx.inflight.Done()
		defer func() { <-m.workers }()

		var err error
		select {
		case <-ctx.ctx.Done():
			err = ctx.ctx.Err()
		default:
			f, ferr := m.getFile(wr.Path)
			if ferr != nil {
				err = ferr
			} else if _, werr := f.WriteAt(wr.Data, wr.Offset); werr != nil {
				err = fmt.Errorf("diskio: write %s@%d: %w", wr.Path, wr.Offset, werr)
			}
		}
		if err != nil {
			log.Debug().Err(err).Str("path", wr.Path).Int64("offset", wr.Offset).Msg("diskio write failed")
		}
		wr.Complete(err)
	}()
	return nil
}

// Close closes every cached file handle.
func (m *LocalDiskIoMgr) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for path, f := range m.openFiles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.openFiles, path)
	}
	return firstErr
}
