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
	"encoding/binary"

	"github.com/dchest/siphash"

	"github.com/ilka-db/ilka/region"
)

// sipKey0/sipKey1 must stay fixed across process restarts: bucket placement
// for a key stored in a prior run has to land at the same index it would
// have on the run that wrote it. A per-region random key would make offline
// hash-flooding harder, but at the cost of being unable to reopen an
// existing table, so it's left as a build-time constant like the original.
const (
	sipKey0 uint64 = 0x9d61230f8f8b0c7a
	sipKey1 uint64 = 0x2a7d1e0c5c6ee9d1
)

func hashBytes(b []byte) uint64 {
	return siphash.Hash(sipKey0, sipKey1, b)
}

// keyRecord is the on-disk layout of an allocated key: an 8-byte length
// prefix followed by the raw key bytes. Kept as its own allocation (rather
// than inlined into the bucket) since a bucket cell is a fixed 8 bytes and
// keys are variable length.
func keyRecordLen(keyLen int) uint64 { return 8 + uint64(keyLen) }

func allocKey(r *region.Region, key []byte) (region.Off, error) {
	n := keyRecordLen(len(key))
	off, err := r.Alloc(n)
	if err != nil {
		return region.NoOff, err
	}
	buf := make([]byte, n)
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(key)))
	copy(buf[8:], key)
	if err := r.Write(off, buf); err != nil {
		return region.NoOff, err
	}
	return off, nil
}

// readKey returns the bytes of the key record at off. The returned slice
// aliases the mapping and is only valid within the caller's epoch bracket.
func readKey(r *region.Region, off region.Off) ([]byte, error) {
	lb, err := r.Read(off, 8)
	if err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint64(lb)
	return r.Read(off+8, n)
}

func keyRecordTotalLen(r *region.Region, off region.Off) (uint64, error) {
	lb, err := r.Read(off, 8)
	if err != nil {
		return 0, err
	}
	return keyRecordLen(int(binary.LittleEndian.Uint64(lb))), nil
}

func keyEquals(r *region.Region, off region.Off, key []byte) (bool, error) {
	stored, err := readKey(r, off)
	if err != nil {
		return false, err
	}
	if len(stored) != len(key) {
		return false, nil
	}
	for i := range key {
		if stored[i] != key[i] {
			return false, nil
		}
	}
	return true, nil
}

// freeKey schedules a key record for deferred reclamation: a reader that
// just observed the owning bucket as stateSet may still be dereferencing
// the key bytes, so it can't be freed immediately even though the bucket
// itself has already moved to stateTomb.
func freeKey(r *region.Region, s *region.Session, off region.Off) error {
	n, err := keyRecordTotalLen(r, off)
	if err != nil {
		return err
	}
	r.DeferFree(s, off, n)
	return nil
}
