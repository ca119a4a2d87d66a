// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package region

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
)

// minRegionLen is the smallest a freshly created region is allowed to be:
// one page, holding only the meta header and allocator root. General
// allocatable space is added on demand by the page allocator's fallback to
// Region.grow, the same path a later Alloc past the initial page takes.
const minRegionLen = uint64(PageSize)

// Region is a persistent, memory-mapped heap: a single backing file whose
// bytes are addressed by stable Off values instead of process pointers, so
// a value written under one Off remains valid across Close/Open cycles and
// (for the Shared variant) across independent processes mapping the same
// file. Concurrent access is coordinated with epoch-based reclamation --
// see Enter/Exit/Defer -- rather than a single global lock; Save makes the
// on-disk image crash-consistent at an explicit point in time via a
// write-ahead journal.
type Region struct {
	path string
	opts Options

	logger Logger
	ring   logRing

	f *os.File
	m *mapping

	lenBytes uint64 // atomic; current logical region length

	// growMu serializes Grow against itself; Save coordinates with writers
	// via worldStop instead of this lock, since it must also exclude
	// epoch-bracketed readers, not just other grows.
	growMu sync.Mutex

	marks *persistMarks
	alloc *allocator
	epoch epochBackend
	debug *allocDebugger
}

// Open opens or creates the region backed by the file at path. At least one
// of Options.Open or Options.Create must be set. A region created with
// Options.Shared persists its epoch reservation table inside the file so
// other processes mapping the same path share it; AllocAreas, EpochSlots
// and Shared are otherwise fixed at creation time and re-read from the
// stored header on every later Open, ignoring whatever this call's Options
// say, since they determine the byte layout of records already on disk.
func Open(path string, o Options) (*Region, error) {
	if err := o.normalize(); err != nil {
		return nil, err
	}

	f, empty, err := openBackingFile(path, &o)
	if err != nil {
		return nil, err
	}

	if !empty {
		if err := recoverJournal(path); err != nil {
			f.Close()
			if e, ok := err.(*Error); ok {
				return nil, e
			}
			return nil, newErr(ErrIO, "open", err)
		}
	}

	r := &Region{path: path, opts: o, logger: o.Logger, f: f}
	r.m = newMappingWithFlags(f, o.ReadOnly, o.Populate, o.HugeTLB)

	if empty {
		if !o.Create {
			f.Close()
			return nil, newErr(ErrInvalidArgument, "open", fmt.Errorf("%s is empty and Options.Create is not set", path))
		}
		if err := r.create(); err != nil {
			r.m.closeAll()
			f.Close()
			return nil, err
		}
	} else {
		if err := r.load(); err != nil {
			r.m.closeAll()
			f.Close()
			return nil, err
		}
	}

	return r, nil
}

func b2u64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// create lays out a brand-new region: the meta header and allocator root on
// page 0 (the file starts at exactly one page) and, for the shared variant,
// an epoch reservation table obtained from the allocator itself, which
// grows the region past page 0 to make room, since its size depends on
// EpochSlots.
func (r *Region) create() error {
	if r.opts.EpochSlots <= 0 {
		r.opts.EpochSlots = runtime.GOMAXPROCS(0)
	}
	n := r.opts.AllocAreas
	if allocRootLen(n) > uint64(allocStartOff-allocRootOff) {
		return newErr(ErrInvalidArgument, "open", fmt.Errorf("%d alloc areas do not fit the reserved root table", n))
	}

	if err := growBackingFile(r.f, minRegionLen); err != nil {
		return newErr(ErrIO, "create", err)
	}
	if err := r.m.grow(minRegionLen); err != nil {
		return newErr(ErrIO, "create", err)
	}
	r.marks = newPersistMarks(minRegionLen)
	atomic.StoreUint64(&r.lenBytes, minRegionLen)

	initAllocRoot(r.mem(), allocRootOff, n)
	r.alloc = newAllocator(r, allocRootOff, n)

	freeFn := func(off Off, length uint64, area int) { r.alloc.free(off, length) }

	// Allocate the shared epoch record (if any) before writing the final
	// header: alloc can itself call Region.grow, which on the whole-file
	// fallback platform re-reads the file into a brand new buffer, so any
	// struct pointer taken against mem() before this point would dangle.
	var epochOff Off
	if r.opts.Shared {
		var err error
		epochOff, err = r.alloc.alloc(epochSharedMetaLenFor(r.opts.EpochSlots))
		if err != nil {
			return err
		}
		es := structAt[epochSharedMeta](r.mem(), epochOff)
		*es = epochSharedMeta{SlotsLen: uint64(r.opts.EpochSlots), Epoch: 2}
		r.epoch = newEpochShared(r.mem(), epochOff, r.opts.EpochGCFreqUsec, r.logf, freeFn)
	} else {
		r.epoch = newEpochPrivate(r.opts.EpochGCFreqUsec, r.logf, freeFn)
	}

	hdr := structAt[metaHeader](r.mem(), 0)
	*hdr = metaHeader{
		Magic:      metaMagic,
		Version:    metaVersion,
		AllocRoot:  allocRootOff,
		EpochRoot:  epochOff,
		UserRoot:   NoOff,
		AllocAreas: uint64(n),
		EpochSlots: uint64(r.opts.EpochSlots),
		Shared:     b2u64(r.opts.Shared),
	}
	if id, err := uuid.NewRandom(); err == nil {
		copy(hdr.ID[:], id[:])
	}

	r.debug = newAllocDebugger(r.opts.DebugAlloc)

	// The initial layout is written straight through the mapping rather
	// than tracked via persistMarks/journal: there is no prior on-disk
	// state a crash could leave half-applied, so one direct fsync is
	// sufficient to make it durable.
	if err := r.f.Sync(); err != nil {
		return newErr(ErrIO, "create", err)
	}
	return nil
}

// load maps an existing region file and reconstructs the allocator and
// epoch backend from the values actually baked into its header.
func (r *Region) load() error {
	fi, err := r.f.Stat()
	if err != nil {
		return newErr(ErrIO, "open", err)
	}
	length := uint64(fi.Size())
	if length < minRegionLen {
		return newErr(ErrCorruption, "open", fmt.Errorf("region file too short: %d bytes", length))
	}

	if err := r.m.grow(length); err != nil {
		return newErr(ErrIO, "open", err)
	}
	r.marks = newPersistMarks(length)
	atomic.StoreUint64(&r.lenBytes, length)

	mem := r.mem()
	hdr := structAt[metaHeader](mem, 0)
	if hdr.Magic != metaMagic {
		return newErr(ErrCorruption, "open", fmt.Errorf("bad magic %#x", hdr.Magic))
	}
	if hdr.Version != metaVersion {
		return newErr(ErrCorruption, "open", fmt.Errorf("unsupported version %d", hdr.Version))
	}

	r.opts.AllocAreas = int(hdr.AllocAreas)
	r.opts.EpochSlots = int(hdr.EpochSlots)
	r.opts.Shared = hdr.Shared != 0

	r.alloc = newAllocator(r, hdr.AllocRoot, int(hdr.AllocAreas))

	freeFn := func(off Off, length uint64, area int) { r.alloc.free(off, length) }

	if r.opts.Shared {
		r.epoch = newEpochShared(mem, hdr.EpochRoot, r.opts.EpochGCFreqUsec, r.logf, freeFn)
	} else {
		r.epoch = newEpochPrivate(r.opts.EpochGCFreqUsec, r.logf, freeFn)
	}

	r.debug = newAllocDebugger(r.opts.DebugAlloc)
	return nil
}

// Close stops the epoch GC goroutine, unmaps the region and closes the
// backing file. It does not implicitly Save; callers that want a durable
// image at Close must call Save first.
func (r *Region) Close() error {
	r.epoch.close()
	r.m.closeAll()
	return r.f.Close()
}

// mem returns the region's current full mapped view, [0, length).
func (r *Region) mem() []byte { return r.m.full() }

// isEdge reports whether off is exactly the region's current logical end,
// the condition under which the page allocator refuses to coalesce a free
// extent across it (the bytes past an edge aren't mapped yet).
func (r *Region) isEdge(off uint64) bool {
	return off == atomic.LoadUint64(&r.lenBytes)
}

// markDirty records that [off, off+length) has changed since the last
// Save, for every write that mutates the mapping directly instead of going
// through Write (allocator free-list links, bucket heads, page nodes).
func (r *Region) markDirty(off Off, length uint64) {
	r.marks.mark(uint64(off), length)
}

// MarkDirty is markDirty exposed to callers outside the package that hold a
// pointer obtained from Read and mutate it directly with atomic CAS instead
// of going through Write -- the hashtable package's bucket cells being the
// motivating case. Such a caller must call this itself since Region has no
// way to observe a write it didn't perform.
func (r *Region) MarkDirty(off Off, length uint64) {
	r.markDirty(off, length)
}

// grow extends the region by at least length bytes (rounded up to a page)
// and returns the offset of the newly available extent, which is always
// exactly the prior logical end. Used by the page allocator when nothing
// on a free list is large enough to satisfy a request.
func (r *Region) grow(length uint64) (Off, error) {
	r.growMu.Lock()
	defer r.growMu.Unlock()

	old := atomic.LoadUint64(&r.lenBytes)
	newLen := old + ceilPage(length)

	if err := growBackingFile(r.f, newLen); err != nil {
		return NoOff, newErr(ErrIO, "grow", err)
	}
	if err := r.m.grow(newLen); err != nil {
		return NoOff, newErr(ErrIO, "grow", err)
	}
	r.marks.grow(newLen)
	atomic.StoreUint64(&r.lenBytes, newLen)

	r.logf("region grown from %d to %d bytes", old, newLen)
	return Off(old), nil
}

// Grow extends the region by at least extra bytes up front and adds the new
// space to area 0's page free list, so a later burst of large allocations
// doesn't pay for file growth on its own critical path.
func (r *Region) Grow(extra uint64) error {
	if r.opts.ReadOnly {
		return newErr(ErrInvalidArgument, "grow", nil)
	}
	if extra == 0 {
		return nil
	}
	length := ceilPage(extra)
	off, err := r.grow(length)
	if err != nil {
		return err
	}

	area := r.alloc.areas[0]
	area.pagesMu.Lock()
	r.allocPageFree(area.areaOff+offsetOfPages(), off, length)
	area.pagesMu.Unlock()
	return nil
}

// Len reports the region's current logical length in bytes.
func (r *Region) Len() uint64 {
	return atomic.LoadUint64(&r.lenBytes)
}

// GetRoot returns the caller-managed root offset last set by SetRoot, or
// NoOff if none has been set yet. Region itself never interprets this
// value; higher-level structures such as the hashtable package store their
// own root record's offset here.
func (r *Region) GetRoot() Off {
	hdr := structAt[metaHeader](r.mem(), 0)
	return Off(atomic.LoadUint64((*uint64)(unsafe.Pointer(&hdr.UserRoot))))
}

// SetRoot atomically records off as the region's root offset.
func (r *Region) SetRoot(off Off) error {
	if r.opts.ReadOnly {
		return newErr(ErrInvalidArgument, "set_root", nil)
	}
	hdr := structAt[metaHeader](r.mem(), 0)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&hdr.UserRoot)), uint64(off))
	r.markDirty(0, metaHeaderLen)
	return nil
}

// Read returns a direct view onto [off, off+length) of the mapping. The
// slice is only valid between a session's Enter and Exit (or, outside any
// session, until the next Grow/Close) since reclamation can reuse freed
// bytes once no session could still observe them.
func (r *Region) Read(off Off, length uint64) ([]byte, error) {
	b, ok := r.m.access(uint64(off), length)
	if !ok {
		return nil, newErr(ErrInvalidArgument, "read", nil)
	}
	return b, nil
}

// Write copies data into the region at off and marks the range dirty for
// the next Save.
func (r *Region) Write(off Off, data []byte) error {
	if r.opts.ReadOnly {
		return newErr(ErrInvalidArgument, "write", nil)
	}
	b, ok := r.m.access(uint64(off), uint64(len(data)))
	if !ok {
		return newErr(ErrInvalidArgument, "write", nil)
	}
	copy(b, data)
	r.markDirty(off, uint64(len(data)))
	return nil
}

// Alloc reserves length bytes and returns their offset.
func (r *Region) Alloc(length uint64) (Off, error) {
	if r.opts.ReadOnly {
		return NoOff, newErr(ErrInvalidArgument, "alloc", nil)
	}
	off, err := r.alloc.alloc(length)
	if err != nil {
		return NoOff, err
	}
	r.debug.onAlloc(off, length)
	return off, nil
}

// Free returns an allocation immediately. Callers with concurrent readers
// that might still be dereferencing off must use DeferFree instead.
func (r *Region) Free(off Off, length uint64) {
	r.debug.onFree(off, length)
	r.alloc.free(off, length)
}

// DeferFree schedules off to be freed once no session entered before this
// call could still observe it. area is accepted for interface parity with
// Session.DeferFree; the allocator shards round-robin rather than pinning
// an allocation to the area it came from, so callers may always pass 0.
func (r *Region) DeferFree(s *Session, off Off, length uint64) {
	s.DeferFree(off, length, 0)
}

// Enter acquires a new session and brackets it as active; pair with
// Session.Exit (to end the read bracket) and Session.Close (to release the
// slot once the goroutine is done with the region entirely).
func (r *Region) Enter() *Session {
	slot := r.epoch.acquire()
	s := &Session{backend: r.epoch, slot: slot}
	s.Enter()
	return s
}

// WorldStop blocks until every active session has exited at least once,
// guaranteeing nothing can observe region state concurrently with the
// caller. Used internally by Save; exposed for callers that need the same
// guarantee around their own maintenance operations (e.g. hashtable
// migrations).
func (r *Region) WorldStop() { r.epoch.worldStop() }

// WorldResume ends the bracket opened by WorldStop.
func (r *Region) WorldResume() { r.epoch.worldResume() }

// Save makes the on-disk image crash-consistent as of this call. The
// original (forking a child process to read a consistent snapshot of the
// mapping while the parent keeps mutating) has no safe equivalent in a
// multi-threaded Go process; Save instead briefly stops the world, copies
// every dirty byte range into a local buffer, and resumes before paying
// for the actual journal I/O -- the pause is proportional to how much
// changed since the last Save, not to the journal write itself.
func (r *Region) Save() error {
	if r.opts.ReadOnly {
		return newErr(ErrInvalidArgument, "save", nil)
	}
	if r.opts.Shared {
		return newErr(ErrInvalidArgument, "save", fmt.Errorf("shared regions are not journaled"))
	}

	r.epoch.worldStop()
	runs := r.marks.snapshot()
	bufs := make([][]byte, len(runs))
	mem := r.mem()
	for i, run := range runs {
		buf := make([]byte, run.Length)
		copy(buf, mem[run.Off:run.Off+run.Length])
		bufs[i] = buf
	}
	// Safe only here: nothing can be holding a reference into an older VMA
	// node while the world is stopped, so every node but the newest can be
	// unmapped now instead of accumulating for the life of the Region.
	r.m.coalesce()
	r.epoch.worldResume()

	if len(runs) == 0 {
		return nil
	}

	next := 0
	read := func(off, length uint64) []byte {
		b := bufs[next]
		next++
		return b
	}

	if err := writeJournal(r.path, runs, read, r.opts.JournalCompression); err != nil {
		return newErr(ErrIO, "save", err)
	}

	// The journal is already durable with a valid trailer at this point;
	// a failure applying it back into the region file means the on-disk
	// image and the journal meant to repair it have both become
	// unreliable, which isn't something a caller can safely paper over.
	err := applyJournal(r.path, func(off uint64, data []byte) error {
		_, err := r.f.WriteAt(data, int64(off))
		return err
	}, r.f.Sync)
	if err != nil {
		r.fatal("save", err)
	}
	return nil
}
