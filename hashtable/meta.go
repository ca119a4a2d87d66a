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

// metaRecord is the table's single stable anchor: Len is an advisory
// element count, Tables the head of the table chain (newest table first).
// A *Table handle only ever needs to remember this record's offset.
type metaRecord struct {
	Len    uint64
	Tables uint64 // region.Off, atomic
}

const metaRecordLen = uint64(unsafe.Sizeof(metaRecord{}))

func metaAt(r *region.Region, off region.Off) (*metaRecord, error) {
	b, err := r.Read(off, metaRecordLen)
	if err != nil {
		return nil, err
	}
	return (*metaRecord)(unsafe.Pointer(&b[0])), nil
}

func allocMeta(r *region.Region) (region.Off, error) {
	off, err := r.Alloc(metaRecordLen)
	if err != nil {
		return region.NoOff, err
	}
	if err := r.Write(off, make([]byte, metaRecordLen)); err != nil {
		return region.NoOff, err
	}
	return off, nil
}

func metaUpdateLen(r *region.Region, metaOff region.Off, delta int64) error {
	m, err := metaAt(r, metaOff)
	if err != nil {
		return err
	}
	atomic.AddUint64(&m.Len, uint64(delta))
	r.MarkDirty(metaOff, metaRecordLen)
	return nil
}

func metaLen(r *region.Region, metaOff region.Off) (uint64, error) {
	m, err := metaAt(r, metaOff)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64(&m.Len), nil
}

// metaHead returns the first non-retired table in the chain, skipping any
// already-Marked head a concurrent cleanTables hasn't spliced out yet.
func metaHead(r *region.Region, metaOff region.Off) (region.Off, error) {
	m, err := metaAt(r, metaOff)
	if err != nil {
		return region.NoOff, err
	}
	off := region.Off(atomic.LoadUint64(&m.Tables))
	for off != region.NoOff {
		hdr, err := tableAt(r, off)
		if err != nil {
			return region.NoOff, err
		}
		if atomic.LoadUint64(&hdr.Marked) == 0 {
			break
		}
		off = region.Off(atomic.LoadUint64(&hdr.Next))
	}
	return off, nil
}

// ensureHead lazily allocates the first table the first time anything is
// put into an empty map.
func ensureHead(r *region.Region, metaOff region.Off, cap uint64) (region.Off, error) {
	m, err := metaAt(r, metaOff)
	if err != nil {
		return region.NoOff, err
	}
	off := region.Off(atomic.LoadUint64(&m.Tables))
	if off != region.NoOff {
		return off, nil
	}

	newOff, err := allocTable(r, cap)
	if err != nil {
		return region.NoOff, err
	}

	// Re-fetch: allocTable may have grown the region, which on the
	// whole-file-resident fallback replaces the buffer m pointed into.
	m, err = metaAt(r, metaOff)
	if err != nil {
		return region.NoOff, err
	}
	if atomic.CompareAndSwapUint64(&m.Tables, 0, uint64(newOff)) {
		r.MarkDirty(metaOff, metaRecordLen)
		return newOff, nil
	}
	r.Free(newOff, tableLen(cap))
	return region.Off(atomic.LoadUint64(&m.Tables)), nil
}

// cleanTables pops every Marked table off the head of the chain and defers
// it (and the keys it still owns) for reclamation.
func cleanTables(r *region.Region, s *region.Session, metaOff region.Off) error {
	m, err := metaAt(r, metaOff)
	if err != nil {
		return err
	}

	var newHead region.Off
	for {
		oldHead := region.Off(atomic.LoadUint64(&m.Tables))
		newHead = oldHead
		for newHead != region.NoOff {
			hdr, err := tableAt(r, newHead)
			if err != nil {
				return err
			}
			if atomic.LoadUint64(&hdr.Marked) == 0 {
				break
			}
			newHead = region.Off(atomic.LoadUint64(&hdr.Next))
		}
		if newHead == oldHead {
			return nil
		}
		if atomic.CompareAndSwapUint64(&m.Tables, uint64(oldHead), uint64(newHead)) {
			r.MarkDirty(metaOff, metaRecordLen)
			off := oldHead
			for off != newHead {
				hdr, err := tableAt(r, off)
				if err != nil {
					return err
				}
				if err := freeTable(r, s, off); err != nil {
					return err
				}
				off = region.Off(atomic.LoadUint64(&hdr.Next))
			}
			return nil
		}
	}
}
