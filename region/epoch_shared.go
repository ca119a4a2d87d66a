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
	"sync"
	"sync/atomic"
	"unsafe"
)

// epochSharedMeta is the region-resident header for the shared epoch
// backend: every process mapping the region sees the same bytes, so unlike
// epochPrivate the global epoch and world lock live here instead of in Go
// heap memory.
type epochSharedMeta struct {
	SlotsLen  uint64
	Epoch     uint64
	LastEpoch uint64
	WorldLock uint64
}

// epochSharedSlot holds the two parity counters a session bumps on Enter
// and drops on Exit. Go has no pthread_self()-keyed lookup, so slots are
// handed out round-robin at acquire time rather than hashed from a thread
// id; collisions only cost extra spinning in worldStop, never correctness.
type epochSharedSlot struct {
	Epochs [2]uint64
}

const epochSharedMetaLen = uint64(unsafe.Sizeof(epochSharedMeta{}))
const epochSharedSlotLen = uint64(unsafe.Sizeof(epochSharedSlot{}))

// epochSharedMetaLenFor sizes the region record Open must allocate before
// constructing the backend: a header plus one slot per Options.EpochSlots.
func epochSharedMetaLenFor(slots int) uint64 {
	return epochSharedMetaLen + uint64(slots)*epochSharedSlotLen
}

// sharedSession is the epochSlot value handed back by epochShared.acquire;
// epoch caches the session's current bracket so exit knows which parity
// counter to drop without re-deriving it (mirrors struct epoch_thread's
// per-thread epoch field in the private backend).
type sharedSession struct {
	idx   int
	epoch uint64
}

// epochShared is the POSIX-shared-memory-flavored epoch backend: global
// state lives at a fixed offset inside the region so independent processes
// mapping the same file observe the same epoch. Deferred work is still
// tracked per-process (see pushLocal) since a process's fn closures and
// in-heap bookkeeping can't cross process boundaries; frees are always
// applied to the shared allocator, so they're safe to run from whichever
// process's GC goroutine reaps them first.
type epochShared struct {
	mu   sync.Mutex
	mem  []byte
	off  Off
	meta *epochSharedMeta
	next uint64 // atomic, round-robins slot assignment

	gc *epochGC
}

func newEpochShared(mem []byte, off Off, freqUsec uint64, logf func(string, ...interface{}), freeFn func(Off, uint64, int)) *epochShared {
	es := &epochShared{mem: mem, off: off, meta: structAt[epochSharedMeta](mem, off)}
	es.gc = newEpochGC(&es.mu, freqUsec, logf, es.gather, es.advance, freeFn)
	return es
}

func (es *epochShared) slots() []epochSharedSlot {
	return sliceAt[epochSharedSlot](es.mem, es.off+Off(epochSharedMetaLen), int(es.meta.SlotsLen))
}

func (es *epochShared) acquire() epochSlot {
	idx := atomic.AddUint64(&es.next, 1) % es.meta.SlotsLen
	return &sharedSession{idx: int(idx)}
}

func (es *epochShared) release(epochSlot) {}

func (es *epochShared) enter(s epochSlot) {
	ss := s.(*sharedSession)
	slot := &es.slots()[ss.idx]

restart:
	epoch := atomic.LoadUint64(&es.meta.Epoch)
	atomic.AddUint64(&slot.Epochs[epoch%2], 1)

	if epoch != atomic.LoadUint64(&es.meta.Epoch) {
		atomic.AddUint64(&slot.Epochs[epoch%2], ^uint64(0))
		goto restart
	}

	if atomic.LoadUint64(&es.meta.WorldLock) != 0 {
		atomic.AddUint64(&slot.Epochs[epoch%2], ^uint64(0))
		for atomic.LoadUint64(&es.meta.WorldLock) != 0 {
			Spin()
		}
		goto restart
	}

	ss.epoch = epoch
}

func (es *epochShared) exit(s epochSlot) {
	ss := s.(*sharedSession)
	slot := &es.slots()[ss.idx]
	atomic.AddUint64(&slot.Epochs[ss.epoch%2], ^uint64(0))
	ss.epoch = 0
}

func (es *epochShared) defer_(s epochSlot, fn func()) {
	epoch := atomic.LoadUint64(&es.meta.Epoch)
	es.pushLocal(&deferNode{epoch: epoch, fn: fn})
}

func (es *epochShared) deferFree(s epochSlot, off Off, length uint64, area int) {
	epoch := atomic.LoadUint64(&es.meta.Epoch)
	es.pushLocal(&deferNode{epoch: epoch, off: off, length: length, area: area})
}

// pushLocal appends directly onto this process's retired list; unlike the
// private backend there's no per-session list to gather from later, since
// the session's identity (a goroutine) doesn't survive a process restart
// the way the shared epoch counters are meant to.
func (es *epochShared) pushLocal(node *deferNode) {
	es.mu.Lock()
	es.gc.appendRetired(node)
	es.mu.Unlock()
}

// gather is a no-op for the shared backend: defer_/deferFree already push
// straight onto the gc's retired list.
func (es *epochShared) gather() *deferNode { return nil }

func (es *epochShared) advance() uint64 {
	epoch := atomic.LoadUint64(&es.meta.Epoch)

	last := es.meta.LastEpoch
	es.meta.LastEpoch = epoch
	if epoch != last {
		return epoch
	}

	parity := (epoch - 1) % 2
	for i := range es.slots() {
		if atomic.LoadUint64(&es.slots()[i].Epochs[parity]) != 0 {
			return epoch
		}
	}

	atomic.CompareAndSwapUint64(&es.meta.Epoch, epoch, epoch+1)
	return epoch
}

func (es *epochShared) worldStop() {
	atomic.AddUint64(&es.meta.WorldLock, 1)
	es.mu.Lock()

	for i := range es.slots() {
		for atomic.LoadUint64(&es.slots()[i].Epochs[0]) != 0 {
			Spin()
		}
		for atomic.LoadUint64(&es.slots()[i].Epochs[1]) != 0 {
			Spin()
		}
	}

	es.mu.Unlock()

	es.gc.advanceOnce()
	es.gc.advanceOnce()
}

func (es *epochShared) worldResume() {
	atomic.AddUint64(&es.meta.WorldLock, ^uint64(0))
}

func (es *epochShared) close() {
	es.gc.close()
}
