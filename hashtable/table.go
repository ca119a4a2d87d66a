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

package hashtable

import (
	"sync/atomic"
	"unsafe"

	"github.com/ilka-db/ilka/region"
)

const (
	probeWindow    = 8
	growThreshold  = 4
	defaultTableCap = 8
)

// tableHeader is one fixed-capacity table in the chain. Next names the
// table it is migrating into, or NoOff while it's still the write target.
// The padding keeps bucket writes from sharing a cache line with the
// header fields readers poll (Next, Marked) on every probe.
type tableHeader struct {
	Cap     uint64
	Next    uint64 // region.Off, atomic
	Marked  uint64 // atomic bool: true once every bucket has been migrated
	SelfOff uint64
	_       [4]uint64
}

const tableHeaderLen = uint64(unsafe.Sizeof(tableHeader{}))

func tableLen(cap uint64) uint64 { return tableHeaderLen + cap*bucketLen }

func tableAt(r *region.Region, off region.Off) (*tableHeader, error) {
	b, err := r.Read(off, tableHeaderLen)
	if err != nil {
		return nil, err
	}
	return (*tableHeader)(unsafe.Pointer(&b[0])), nil
}

func bucketOff(tableOff region.Off, idx uint64) region.Off {
	return tableOff + region.Off(tableHeaderLen) + region.Off(idx*bucketLen)
}

func allocTable(r *region.Region, cap uint64) (region.Off, error) {
	n := tableLen(cap)
	off, err := r.Alloc(n)
	if err != nil {
		return region.NoOff, err
	}
	if err := r.Write(off, make([]byte, n)); err != nil {
		return region.NoOff, err
	}
	hdr, err := tableAt(r, off)
	if err != nil {
		return region.NoOff, err
	}
	hdr.Cap = cap
	hdr.SelfOff = uint64(off)
	r.MarkDirty(off, tableHeaderLen)
	return off, nil
}

// freeTable defers a table, and the key record of every bucket still in
// stateSet, for reclamation. Buckets already migrated into a successor are
// tombstoned here, so their key records (now owned by the successor) are
// left alone.
func freeTable(r *region.Region, s *region.Session, off region.Off) error {
	hdr, err := tableAt(r, off)
	if err != nil {
		return err
	}
	cap := hdr.Cap
	for i := uint64(0); i < cap; i++ {
		b, err := bucketAt(r, bucketOff(off, i))
		if err != nil {
			return err
		}
		st := stateOf(atomic.LoadUint64(&b.key))
		if st == stateSet {
			if err := freeKey(r, s, region.Off(clearState(b.key))); err != nil {
				return err
			}
		}
	}
	r.DeferFree(s, off, tableLen(cap))
	return nil
}

// helpMigrateWindow migrates [start, start+length) of src into its
// successor, if it has one, and returns the successor's offset (NoOff if
// src isn't being resized).
func helpMigrateWindow(r *region.Region, s *region.Session, srcOff region.Off, start, length uint64) (region.Off, error) {
	hdr, err := tableAt(r, srcOff)
	if err != nil {
		return region.NoOff, err
	}
	next := region.Off(atomic.LoadUint64(&hdr.Next))
	if next == region.NoOff {
		return region.NoOff, nil
	}
	cap := hdr.Cap

	for i := uint64(0); i < length; i++ {
		idx := (start + i) % cap
		off := bucketOff(srcOff, idx)
		b, err := bucketAt(r, off)
		if err != nil {
			return region.NoOff, err
		}
		if !bucketLock(r, b, off) {
			continue
		}

		keyOff := region.Off(clearState(atomic.LoadUint64(&b.key)))
		val := region.Off(clearState(atomic.LoadUint64(&b.val)))
		key, err := readKey(r, keyOff)
		if err != nil {
			return region.NoOff, err
		}

		if _, err := tableMove(r, s, next, key, keyOff, val); err != nil {
			return region.NoOff, err
		}

		// Bookkeeping only, not a linearization point: the move above is
		// already visible to readers that follow Next.
		b2, err := bucketAt(r, off)
		if err != nil {
			return region.NoOff, err
		}
		_ = bucketTombKeyRelaxed(r, b2, off)
		bucketTombVal(r, b2, off)
	}

	return next, nil
}

func tableResizeCap(r *region.Region, tableOff region.Off, hdr *tableHeader, start uint64) (uint64, error) {
	tombstones := uint64(0)
	cap := hdr.Cap
	for i := uint64(0); i < probeWindow; i++ {
		idx := (start + i) % cap
		b, err := bucketAt(r, bucketOff(tableOff, idx))
		if err != nil {
			return 0, err
		}
		if stateOf(atomic.LoadUint64(&b.key)) == stateTomb {
			tombstones++
			continue
		}
		if stateOf(atomic.LoadUint64(&b.val)) == stateTomb {
			tombstones++
		}
	}
	if tombstones < growThreshold {
		return cap * 2, nil
	}
	return cap, nil
}

// tableResize publishes (or, if another writer raced it, discovers) the
// successor table and returns it so the caller can retry its operation
// there. The call that publishes the successor migrates the whole source
// into it and marks the source retired; a call that finds one already
// published only helps migrate the probe window at start.
func tableResize(r *region.Region, s *region.Session, tableOff region.Off, start uint64) (region.Off, error) {
	hdr, err := tableAt(r, tableOff)
	if err != nil {
		return region.NoOff, err
	}
	if region.Off(atomic.LoadUint64(&hdr.Next)) != region.NoOff {
		return helpMigrateWindow(r, s, tableOff, start, probeWindow)
	}

	cap, err := tableResizeCap(r, tableOff, hdr, start)
	if err != nil {
		return region.NoOff, err
	}
	newOff, err := allocTable(r, cap)
	if err != nil {
		return region.NoOff, err
	}

	hdr, err = tableAt(r, tableOff)
	if err != nil {
		return region.NoOff, err
	}
	var old uint64
	if !atomic.CompareAndSwapUint64(&hdr.Next, old, uint64(newOff)) {
		r.Free(newOff, tableLen(cap))
		return helpMigrateWindow(r, s, tableOff, start, probeWindow)
	}
	r.MarkDirty(tableOff, tableHeaderLen)

	next, err := helpMigrateWindow(r, s, tableOff, 0, hdr.Cap)
	if err != nil {
		return region.NoOff, err
	}

	atomic.StoreUint64(&hdr.Marked, 1)
	r.MarkDirty(tableOff, tableHeaderLen)
	return next, nil
}

func tableGet(r *region.Region, s *region.Session, tableOff region.Off, key []byte, hash uint64) (bucketRet, error) {
	hdr, err := tableAt(r, tableOff)
	if err != nil {
		return bucketRet{}, err
	}
	cap := hdr.Cap
	start := hash % cap

	for i := uint64(0); i < probeWindow; i++ {
		idx := (start + i) % cap
		off := bucketOff(tableOff, idx)
		b, err := bucketAt(r, off)
		if err != nil {
			return bucketRet{}, err
		}
		ret, err := bucketGet(r, b, key)
		if err != nil {
			return bucketRet{}, err
		}
		switch ret.code {
		case retSkip:
			continue
		case retStop, retResize:
		default:
			return ret, nil
		}
		break
	}

	next, err := helpMigrateWindow(r, s, tableOff, start, probeWindow)
	if err != nil {
		return bucketRet{}, err
	}
	if next != region.NoOff {
		return tableGet(r, s, next, key, hash)
	}
	return bucketRet{retStop, 0}, nil
}

func tablePut(r *region.Region, s *region.Session, tableOff region.Off, key []byte, hash uint64, value region.Off) (bucketRet, error) {
	hdr, err := tableAt(r, tableOff)
	if err != nil {
		return bucketRet{}, err
	}
	cap := hdr.Cap
	start := hash % cap
	var keyOff region.Off = region.NoOff

	for i := uint64(0); i < probeWindow; i++ {
		idx := (start + i) % cap
		off := bucketOff(tableOff, idx)
		b, err := bucketAt(r, off)
		if err != nil {
			return bucketRet{}, err
		}
		ret, err := bucketPut(r, b, off, key, &keyOff, value)
		if err != nil {
			return bucketRet{}, err
		}
		switch ret.code {
		case retSkip:
			continue
		case retResize:
		default:
			return ret, nil
		}
		break
	}

	next, err := tableResize(r, s, tableOff, start)
	if err != nil {
		return bucketRet{}, err
	}
	return tablePut(r, s, next, key, hash, value)
}

// tableMove plants an already-allocated key/value pair during migration; it
// never allocates a new key record. A saturated window means keep walking
// the chain; when the table has no successor yet, tableMove starts a resize
// of it through tableResize and continues in the new table.
func tableMove(r *region.Region, s *region.Session, tableOff region.Off, key []byte, keyOff region.Off, value region.Off) (bucketRet, error) {
	hash := hashBytes(key)
	hdr, err := tableAt(r, tableOff)
	if err != nil {
		return bucketRet{}, err
	}
	cap := hdr.Cap
	start := hash % cap

	for i := uint64(0); i < probeWindow; i++ {
		idx := (start + i) % cap
		off := bucketOff(tableOff, idx)
		b, err := bucketAt(r, off)
		if err != nil {
			return bucketRet{}, err
		}
		ret, err := bucketMove(r, b, off, key, keyOff, value)
		if err != nil {
			return bucketRet{}, err
		}
		switch ret.code {
		case retResize:
		case retSkip:
			continue
		default:
			return ret, nil
		}
		break
	}

	hdr, err = tableAt(r, tableOff)
	if err != nil {
		return bucketRet{}, err
	}
	next := region.Off(atomic.LoadUint64(&hdr.Next))
	if next == region.NoOff {
		var err error
		next, err = tableResize(r, s, tableOff, start)
		if err != nil {
			return bucketRet{}, err
		}
	}
	return tableMove(r, s, next, key, keyOff, value)
}

func tableXchg(r *region.Region, s *region.Session, tableOff region.Off, key []byte, hash uint64, expected, value region.Off) (bucketRet, error) {
	hdr, err := tableAt(r, tableOff)
	if err != nil {
		return bucketRet{}, err
	}
	cap := hdr.Cap
	start := hash % cap

	for i := uint64(0); i < probeWindow; i++ {
		idx := (start + i) % cap
		off := bucketOff(tableOff, idx)
		b, err := bucketAt(r, off)
		if err != nil {
			return bucketRet{}, err
		}
		ret, err := bucketXchg(r, b, off, key, expected, value)
		if err != nil {
			return bucketRet{}, err
		}
		switch ret.code {
		case retSkip:
			continue
		case retResize:
		case retStop:
			if ret.off == 0 {
				break
			}
			return ret, nil
		default:
			return ret, nil
		}
		break
	}

	next, err := helpMigrateWindow(r, s, tableOff, start, probeWindow)
	if err != nil {
		return bucketRet{}, err
	}
	if next != region.NoOff {
		return tableXchg(r, s, next, key, hash, expected, value)
	}
	return bucketRet{retStop, 0}, nil
}

func tableDel(r *region.Region, s *region.Session, tableOff region.Off, key []byte, hash uint64, expected region.Off) (bucketRet, error) {
	hdr, err := tableAt(r, tableOff)
	if err != nil {
		return bucketRet{}, err
	}
	cap := hdr.Cap
	start := hash % cap

	for i := uint64(0); i < probeWindow; i++ {
		idx := (start + i) % cap
		off := bucketOff(tableOff, idx)
		b, err := bucketAt(r, off)
		if err != nil {
			return bucketRet{}, err
		}
		ret, err := bucketDel(r, s, b, off, key, expected)
		if err != nil {
			return bucketRet{}, err
		}
		switch ret.code {
		case retSkip:
			continue
		case retResize:
		case retStop:
			if ret.off == 0 {
				break
			}
			return ret, nil
		default:
			return ret, nil
		}
		break
	}

	next, err := helpMigrateWindow(r, s, tableOff, start, probeWindow)
	if err != nil {
		return bucketRet{}, err
	}
	if next != region.NoOff {
		return tableDel(r, s, next, key, hash, expected)
	}
	return bucketRet{retStop, 0}, nil
}

func tableIterate(r *region.Region, s *region.Session, tableOff region.Off, visit func(key []byte, value region.Off) bool) (bool, error) {
	hdr, err := tableAt(r, tableOff)
	if err != nil {
		return true, err
	}
	cap := hdr.Cap

	for i := uint64(0); i < cap; i++ {
		off := bucketOff(tableOff, i)
		b, err := bucketAt(r, off)
		if err != nil {
			return true, err
		}
		code, err := bucketIterate(r, b, visit)
		if err != nil {
			return true, err
		}
		switch code {
		case retSkip:
			continue
		case retResize:
		case retStop:
			return false, nil
		default:
			continue
		}
		break
	}

	next, err := helpMigrateWindow(r, s, tableOff, 0, cap)
	if err != nil {
		return true, err
	}
	if next != region.NoOff {
		return tableIterate(r, s, next, visit)
	}
	return true, nil
}
