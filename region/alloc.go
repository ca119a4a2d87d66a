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
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ilka-db/ilka/internal/atomicext"
)

const (
	bucketMinLen = 8    // bytes; smallest size class
	bucketMaxLen = 2048 // bytes; anything larger goes to the page allocator
	bucketCount  = 9     // log2(bucketMaxLen/bucketMinLen) + 1
)

// allocRegion is one area's region-resident bookkeeping: a page free list
// root plus one lock-free free-list head per size class. buckets entries
// are ABA-tagged offsets (see internal/atomicext) since they're mutated by
// bare CAS without any lock.
type allocRegion struct {
	Pages   Off
	Buckets [bucketCount]uint64
}

const allocRegionLen = uint64(unsafe.Sizeof(allocRegion{}))

// allocArea is the process-local half of one allocator shard: the coarse
// lock guarding the page free list, plus a per-bucket ABA tag counter. The
// region-resident allocRegion it pairs with is looked up by areaOff.
type allocArea struct {
	mu      sync.Mutex
	pagesMu sync.Mutex
	areaOff Off
	tags    [bucketCount]uint64 // atomic
}

// allocator is the Region's top-level allocation façade: Options.AllocAreas
// shards reduce CAS contention between concurrent callers. Shards are
// picked round-robin per call rather than pinned to goroutine identity,
// since Go exposes no stable per-goroutine id to hash on.
type allocator struct {
	r     *Region
	areas []*allocArea
	next  uint64 // atomic round-robin cursor
}

func bucketFor(length uint64) (idx int, rounded uint64) {
	if length < bucketMinLen {
		length = bucketMinLen
	}
	rounded = ceilPow2(length)
	idx = bits.TrailingZeros64(rounded) - bits.TrailingZeros64(bucketMinLen)
	return idx, rounded
}

func ceilPow2(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << (64 - bits.LeadingZeros64(v-1))
}

// initAllocRoot lays out n fresh allocRegion records starting at off and
// returns the offset of the area-index table (a flat array of Off values,
// one per area). Called once, by Region.create.
func initAllocRoot(mem []byte, off Off, n int) Off {
	index := sliceAt[Off](mem, off, n)
	areaBase := off + Off(uint64(n)*8)
	for i := 0; i < n; i++ {
		areaOff := areaBase + Off(uint64(i)*allocRegionLen)
		*structAt[allocRegion](mem, areaOff) = allocRegion{}
		index[i] = areaOff
	}
	return off
}

func allocRootLen(n int) uint64 {
	return uint64(n)*8 + uint64(n)*allocRegionLen
}

func newAllocator(r *Region, rootOff Off, n int) *allocator {
	index := sliceAt[Off](r.mem(), rootOff, n)
	a := &allocator{r: r, areas: make([]*allocArea, n)}
	for i := 0; i < n; i++ {
		a.areas[i] = &allocArea{areaOff: index[i]}
	}
	return a
}

func (a *allocator) pick() *allocArea {
	i := atomic.AddUint64(&a.next, 1) % uint64(len(a.areas))
	return a.areas[i]
}

// alloc reserves length bytes and returns their offset. Requests larger
// than bucketMaxLen are carved straight out of the page free list; smaller
// ones are rounded up to a size class and served from that class's
// lock-free free list, refilling it from a fresh page on first use.
func (a *allocator) alloc(length uint64) (Off, error) {
	if length == 0 {
		return NoOff, newErr(ErrInvalidArgument, "alloc", nil)
	}

	area := a.pick()

	if length > bucketMaxLen {
		area.pagesMu.Lock()
		defer area.pagesMu.Unlock()
		return a.r.allocPageNew(area.areaOff+offsetOfPages(), length)
	}

	idx, rounded := bucketFor(length)
	ar := structAt[allocRegion](a.r.mem(), area.areaOff)

	for {
		head := atomic.LoadUint64(&ar.Buckets[idx])
		off := Off(atomicext.Untag(head))
		if off == NoOff {
			filled, err := a.fillBucket(area, ar, idx, rounded)
			if err != nil {
				return NoOff, err
			}
			return filled, nil
		}

		next := a.r.readOff(off)
		tag := atomicext.NextTag(&area.tags[idx], uint64(next))
		if atomic.CompareAndSwapUint64(&ar.Buckets[idx], head, tag) {
			a.r.markDirty(area.areaOff, allocRegionLen)
			return off, nil
		}
	}
}

// free returns an allocation to its size class (or the page list, for
// large allocations).
func (a *allocator) free(off Off, length uint64) {
	area := a.pick()

	if length > bucketMaxLen {
		area.pagesMu.Lock()
		a.r.allocPageFree(area.areaOff+offsetOfPages(), off, length)
		area.pagesMu.Unlock()
		return
	}

	idx, _ := bucketFor(length)
	ar := structAt[allocRegion](a.r.mem(), area.areaOff)

	for {
		head := atomic.LoadUint64(&ar.Buckets[idx])
		a.r.writeOff(off, Off(atomicext.Untag(head)))

		tag := atomicext.NextTag(&area.tags[idx], uint64(off))
		if atomic.CompareAndSwapUint64(&ar.Buckets[idx], head, tag) {
			a.r.markDirty(area.areaOff, allocRegionLen)
			return
		}
	}
}

// fillBucket pulls one page from the page allocator, slices it into
// len-sized nodes, links all but the first into the size class's free
// list, and returns the first node directly to the caller -- mirroring the
// original's habit of avoiding a round-trip through the free list for the
// allocation that triggered the refill.
func (a *allocator) fillBucket(area *allocArea, ar *allocRegion, idx int, length uint64) (Off, error) {
	nodes := PageSize / length
	if nodes < 2 {
		return NoOff, newErr(ErrInvalidArgument, "alloc", nil)
	}

	area.pagesMu.Lock()
	page, err := a.r.allocPageNew(area.areaOff+offsetOfPages(), PageSize)
	area.pagesMu.Unlock()
	if err != nil {
		return NoOff, err
	}
	if page == NoOff {
		return NoOff, newErr(ErrOutOfRegion, "alloc", nil)
	}

	start := page
	end := start + Off(nodes*length)

	for node := start + Off(length); node+Off(length) < end; node += Off(length) {
		a.r.writeOff(node, node+Off(length))
	}

	lastOff := end - Off(length)

	for {
		head := atomic.LoadUint64(&ar.Buckets[idx])
		a.r.writeOff(lastOff, Off(atomicext.Untag(head)))
		tag := atomicext.NextTag(&area.tags[idx], uint64(start+Off(length)))
		if atomic.CompareAndSwapUint64(&ar.Buckets[idx], head, tag) {
			a.r.markDirty(area.areaOff, allocRegionLen)
			break
		}
	}

	return page, nil
}

// offsetOfPages is the byte offset of allocRegion.Pages within the struct;
// kept as a helper since allocPageNew/allocPageFree address it as a bare
// Off root rather than through the struct.
func offsetOfPages() Off { return 0 }
