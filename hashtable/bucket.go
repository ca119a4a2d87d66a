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

// bucket is the two-cell unit a probe step reads: key_ref names (or is
// mid-transition toward naming) the key record, val carries the stored
// value once key_ref has settled on stateSet. Both fields are mutated by
// bare CAS, never under a lock.
type bucket struct {
	key uint64
	val uint64
}

const bucketLen = uint64(unsafe.Sizeof(bucket{}))

// bucketAt overlays a *bucket onto the live mapping at off. Callers must
// re-derive this pointer after any operation that could have grown the
// region (Alloc); it is never safe to cache across such a call.
func bucketAt(r *region.Region, off region.Off) (*bucket, error) {
	b, err := r.Read(off, bucketLen)
	if err != nil {
		return nil, err
	}
	return (*bucket)(unsafe.Pointer(&b[0])), nil
}

type probeCode int

const (
	retOK probeCode = iota
	retSkip
	retStop
	retResize
)

type bucketRet struct {
	code probeCode
	off  region.Off
}

// bucketGet implements a single probe step of Get: it never allocates or
// mutates anything.
func bucketGet(r *region.Region, b *bucket, key []byte) (bucketRet, error) {
	oldKey := atomic.LoadUint64(&b.key)
	switch stateOf(oldKey) {
	case stateNil, stateTomb:
		return bucketRet{retSkip, 0}, nil
	case stateMove:
		return bucketRet{retResize, 0}, nil
	}
	eq, err := keyEquals(r, region.Off(clearState(oldKey)), key)
	if err != nil {
		return bucketRet{}, err
	}
	if !eq {
		return bucketRet{retSkip, 0}, nil
	}

	oldVal := atomic.LoadUint64(&b.val)
	switch stateOf(oldVal) {
	case stateNil, stateTomb:
		return bucketRet{retSkip, 0}, nil
	case stateMove:
		return bucketRet{retResize, 0}, nil
	default: // stateSet
		return bucketRet{retOK, region.Off(clearState(oldVal))}, nil
	}
}

// bucketTombKey drives key_ref to stateTomb and, unless it was caught mid
// migration, defers the key record for reclamation.
func bucketTombKey(r *region.Region, s *region.Session, b *bucket, off region.Off) error {
	for {
		old := atomic.LoadUint64(&b.key)
		if stateOf(old) == stateTomb {
			return nil
		}
		next := withState(old, stateTomb)
		if atomic.CompareAndSwapUint64(&b.key, old, next) {
			r.MarkDirty(off, bucketLen)
			if stateOf(old) != stateMove {
				return freeKey(r, s, region.Off(clearState(old)))
			}
			return nil
		}
	}
}

func bucketTombVal(r *region.Region, b *bucket, off region.Off) {
	for {
		old := atomic.LoadUint64(&b.val)
		if stateOf(old) == stateTomb {
			return
		}
		next := withState(old, stateTomb)
		if atomic.CompareAndSwapUint64(&b.val, old, next) {
			r.MarkDirty(off, bucketLen)
			return
		}
	}
}

// bucketPut implements a single probe step of Put. *keyOff is filled in here
// the first time a fresh key record needs allocating and is kept by the
// caller across probe steps, so repeat probe steps in the same call don't
// each allocate their own orphaned copy.
func bucketPut(r *region.Region, b *bucket, off region.Off, key []byte, keyOff *region.Off, value region.Off) (bucketRet, error) {
	var newKey uint64
	for {
		oldKey := atomic.LoadUint64(&b.key)
		switch stateOf(oldKey) {
		case stateTomb:
			return bucketRet{retSkip, 0}, nil
		case stateMove:
			return bucketRet{retResize, 0}, nil
		case stateSet:
			eq, err := keyEquals(r, region.Off(clearState(oldKey)), key)
			if err != nil {
				return bucketRet{}, err
			}
			if !eq {
				return bucketRet{retSkip, 0}, nil
			}
			goto keyPlanted
		default: // stateNil
			if *keyOff == region.NoOff {
				ko, err := allocKey(r, key)
				if err != nil {
					return bucketRet{}, err
				}
				*keyOff = ko
			}
			newKey = withState(uint64(*keyOff), stateSet)
		}
		if atomic.CompareAndSwapUint64(&b.key, oldKey, newKey) {
			r.MarkDirty(off, bucketLen)
			break
		}
	}
keyPlanted:

	for {
		oldVal := atomic.LoadUint64(&b.val)
		switch stateOf(oldVal) {
		case stateTomb:
			return bucketRet{retSkip, 0}, nil
		case stateMove:
			return bucketRet{retResize, 0}, nil
		case stateSet:
			return bucketRet{retStop, region.Off(clearState(oldVal))}, nil
		}
		newVal := withState(uint64(value), stateSet)
		if atomic.CompareAndSwapUint64(&b.val, oldVal, newVal) {
			r.MarkDirty(off, bucketLen)
			return bucketRet{retOK, 0}, nil
		}
	}
}

// bucketMove plants an already-allocated key/value pair during migration.
// It never triggers a resize of its own: a saturated window here just tells
// the caller to keep propagating into later tables.
func bucketMove(r *region.Region, b *bucket, off region.Off, key []byte, keyOff region.Off, value region.Off) (bucketRet, error) {
	var newKey uint64
	for {
		oldKey := atomic.LoadUint64(&b.key)
		switch stateOf(oldKey) {
		case stateTomb:
			return bucketRet{retSkip, 0}, nil
		case stateMove:
			return bucketRet{retResize, 0}, nil
		case stateSet:
			eq, err := keyEquals(r, region.Off(clearState(oldKey)), key)
			if err != nil {
				return bucketRet{}, err
			}
			if !eq {
				return bucketRet{retSkip, 0}, nil
			}
			goto keyPlanted
		default: // stateNil
			newKey = withState(uint64(keyOff), stateSet)
		}
		if atomic.CompareAndSwapUint64(&b.key, oldKey, newKey) {
			r.MarkDirty(off, bucketLen)
			break
		}
	}
keyPlanted:

	for {
		oldVal := atomic.LoadUint64(&b.val)
		switch stateOf(oldVal) {
		case stateTomb:
			return bucketRet{retSkip, 0}, nil
		case stateMove:
			return bucketRet{retResize, 0}, nil
		case stateSet:
			return bucketRet{retOK, 0}, nil
		}
		newVal := withState(uint64(value), stateSet)
		if atomic.CompareAndSwapUint64(&b.val, oldVal, newVal) {
			r.MarkDirty(off, bucketLen)
			return bucketRet{retOK, 0}, nil
		}
	}
}

func bucketXchg(r *region.Region, b *bucket, off region.Off, key []byte, expected, value region.Off) (bucketRet, error) {
	oldKey := atomic.LoadUint64(&b.key)
	switch stateOf(oldKey) {
	case stateNil, stateTomb:
		return bucketRet{retSkip, 0}, nil
	case stateMove:
		return bucketRet{retResize, 0}, nil
	}
	eq, err := keyEquals(r, region.Off(clearState(oldKey)), key)
	if err != nil {
		return bucketRet{}, err
	}
	if !eq {
		return bucketRet{retSkip, 0}, nil
	}

	for {
		oldVal := atomic.LoadUint64(&b.val)
		clean := region.Off(clearState(oldVal))
		switch stateOf(oldVal) {
		case stateNil, stateTomb:
			return bucketRet{retSkip, 0}, nil
		case stateMove:
			return bucketRet{retResize, 0}, nil
		default: // stateSet
			if expected != 0 && clean != expected {
				return bucketRet{retStop, clean}, nil
			}
		}
		newVal := withState(uint64(value), stateSet)
		if atomic.CompareAndSwapUint64(&b.val, oldVal, newVal) {
			r.MarkDirty(off, bucketLen)
			return bucketRet{retOK, clean}, nil
		}
	}
}

func bucketDel(r *region.Region, s *region.Session, b *bucket, off region.Off, key []byte, expected region.Off) (bucketRet, error) {
	oldKey := atomic.LoadUint64(&b.key)
	switch stateOf(oldKey) {
	case stateNil, stateTomb:
		return bucketRet{retSkip, 0}, nil
	case stateMove:
		return bucketRet{retResize, 0}, nil
	}
	eq, err := keyEquals(r, region.Off(clearState(oldKey)), key)
	if err != nil {
		return bucketRet{}, err
	}
	if !eq {
		return bucketRet{retSkip, 0}, nil
	}

	var clean region.Off
	for {
		oldVal := atomic.LoadUint64(&b.val)
		clean = region.Off(clearState(oldVal))
		switch stateOf(oldVal) {
		case stateNil, stateTomb:
			return bucketRet{retSkip, 0}, nil
		case stateMove:
			return bucketRet{retResize, 0}, nil
		default: // stateSet
			if expected != 0 && clean != expected {
				return bucketRet{retStop, clean}, nil
			}
		}
		newVal := withState(oldVal, stateTomb)
		if atomic.CompareAndSwapUint64(&b.val, oldVal, newVal) {
			r.MarkDirty(off, bucketLen)
			break
		}
	}

	if err := bucketTombKey(r, s, b, off); err != nil {
		return bucketRet{}, err
	}
	return bucketRet{retOK, clean}, nil
}

// bucketLock is the migration entry point: it drives both cells from
// stateSet to stateMove (or from stateNil straight to stateTomb, since an
// empty bucket needs no migrating) atomically with respect to concurrent
// Put/Get/Del/Xchg on the same cells. It returns false if there is nothing
// left here worth moving.
func bucketLock(r *region.Region, b *bucket, off region.Off) bool {
	var newKey uint64
	for {
		oldKey := atomic.LoadUint64(&b.key)
		switch stateOf(oldKey) {
		case stateTomb:
			return false
		case stateMove:
			newKey = oldKey
		case stateNil:
			newKey = withState(oldKey, stateTomb)
		default: // stateSet
			newKey = withState(oldKey, stateMove)
		}
		if oldKey == newKey || atomic.CompareAndSwapUint64(&b.key, oldKey, newKey) {
			break
		}
	}
	keyState := stateOf(newKey)

	var newVal uint64
	for {
		oldVal := atomic.LoadUint64(&b.val)
		switch stateOf(oldVal) {
		case stateTomb:
			return false
		case stateMove:
			newVal = oldVal
		case stateNil:
			newVal = withState(oldVal, stateTomb)
		default: // stateSet
			newVal = withState(oldVal, keyState)
		}
		if oldVal == newVal || atomic.CompareAndSwapUint64(&b.val, oldVal, newVal) {
			break
		}
	}
	r.MarkDirty(off, bucketLen)
	valState := stateOf(newVal)

	if keyState == stateMove && valState == stateTomb {
		// The key lock succeeded but the value turned out to already be
		// empty: nothing to move, so release the key lock too. Not a
		// linearization point, just bookkeeping.
		_ = bucketTombKeyRelaxed(r, b, off)
		return false
	}
	return valState == stateMove
}

// bucketTombKeyRelaxed is bucketTombKey without the deferred key-record
// free. It is used by bucketLock's own cleanup, where the locked key has no
// value behind it, and by helpMigrateWindow after a bucket's pair has been
// moved, where the key record now belongs to the successor table.
func bucketTombKeyRelaxed(r *region.Region, b *bucket, off region.Off) bool {
	for {
		old := atomic.LoadUint64(&b.key)
		if stateOf(old) == stateTomb {
			return true
		}
		next := withState(old, stateTomb)
		if atomic.CompareAndSwapUint64(&b.key, old, next) {
			r.MarkDirty(off, bucketLen)
			return true
		}
	}
}

// bucketIterate delivers (key, value) to visit for a bucket observed as
// stateSet; visit returning false stops iteration of the whole table.
func bucketIterate(r *region.Region, b *bucket, visit func(key []byte, value region.Off) bool) (probeCode, error) {
	oldKey := atomic.LoadUint64(&b.key)
	switch stateOf(oldKey) {
	case stateNil, stateTomb:
		return retSkip, nil
	case stateMove:
		return retResize, nil
	}

	oldVal := atomic.LoadUint64(&b.val)
	switch stateOf(oldVal) {
	case stateNil, stateTomb:
		return retSkip, nil
	case stateMove:
		return retResize, nil
	}

	key, err := readKey(r, region.Off(clearState(oldKey)))
	if err != nil {
		return retStop, err
	}
	if !visit(key, region.Off(clearState(oldVal))) {
		return retStop, nil
	}
	return retOK, nil
}
