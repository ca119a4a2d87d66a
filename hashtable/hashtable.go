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
	"fmt"

	"github.com/ilka-db/ilka/region"
)

// Logger is kept on a Table handle for diagnostic output; nil discards it.
// No Table operation writes to it at present, resizes and migrations
// included. Kept distinct from region.Logger so a table's verbosity can be
// dialed in independently of the region it lives in.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Options configures the handle returned by Create or Open. It carries only
// handle-local settings; a table's on-disk shape is determined by what's
// already in the region.
type Options struct {
	Logger Logger
}

// Table is a handle onto a region-resident hash map. It carries no
// goroutine affinity of its own; every operation takes the region.Session
// the caller is already holding so defer-freed keys and tables are reclaimed
// under that session's epoch bracket.
type Table struct {
	r      *region.Region
	meta   region.Off
	logger Logger
}

func (t *Table) logf(format string, args ...interface{}) {
	if t.logger != nil {
		t.logger.Printf(format, args...)
	}
}

// Create allocates a brand-new, empty table in r and returns a handle to
// it. The returned Off should be stored wherever the caller's own schema
// keeps it (region.SetRoot, a field of another region-resident record, …);
// Open reconstructs a *Table from that same offset later.
func Create(r *region.Region, opts Options) (*Table, error) {
	off, err := allocMeta(r)
	if err != nil {
		return nil, err
	}
	return &Table{r: r, meta: off, logger: opts.Logger}, nil
}

// Open reconstructs a handle onto a table previously created with Create at
// the given offset.
func Open(r *region.Region, off region.Off, opts Options) (*Table, error) {
	if off == region.NoOff {
		return nil, fmt.Errorf("hashtable: open: nil offset")
	}
	return &Table{r: r, meta: off, logger: opts.Logger}, nil
}

// Off returns the table's meta-record offset, the value a caller persists
// to find this table again on a later Open.
func (t *Table) Off() region.Off { return t.meta }

// Len reports the table's advisory element count; it is only precise when
// no writer is concurrently active.
func (t *Table) Len() (uint64, error) {
	return metaLen(t.r, t.meta)
}

// Cap reports the bucket capacity of the current head table. An empty map
// (nothing ever Put into it) reports 0, since no table has been allocated
// yet.
func (t *Table) Cap() (uint64, error) {
	head, err := metaHead(t.r, t.meta)
	if err != nil {
		return 0, err
	}
	if head == region.NoOff {
		return 0, nil
	}
	hdr, err := tableAt(t.r, head)
	if err != nil {
		return 0, err
	}
	return hdr.Cap, nil
}

// Reserve ensures the head table's capacity is at least cap, growing it
// (via the same migration path an organically triggered resize uses) if
// it falls short. It is a no-op if a table already large enough exists.
func (t *Table) Reserve(s *region.Session, cap uint64) error {
	head, err := ensureHead(t.r, t.meta, nextPow2(cap))
	if err != nil {
		return err
	}
	for {
		hdr, err := tableAt(t.r, head)
		if err != nil {
			return err
		}
		if hdr.Cap >= cap {
			return nil
		}
		next, err := tableResize(t.r, s, head, 0)
		if err != nil {
			return err
		}
		if err := cleanTables(t.r, s, t.meta); err != nil {
			return err
		}
		head = next
	}
}

// Resize is Reserve's spec name: it grows the head table's capacity to at
// least cap, allocating the first table at that capacity if the map is
// still empty.
func (t *Table) Resize(s *region.Session, cap uint64) error {
	return t.Reserve(s, cap)
}

func nextPow2(v uint64) uint64 {
	if v <= defaultTableCap {
		return defaultTableCap
	}
	p := uint64(1)
	for p < v {
		p <<= 1
	}
	return p
}

// Get returns the value stored for key, or found=false if key isn't
// present.
func (t *Table) Get(s *region.Session, key []byte) (value region.Off, found bool, err error) {
	head, err := metaHead(t.r, t.meta)
	if err != nil {
		return region.NoOff, false, err
	}
	if head == region.NoOff {
		return region.NoOff, false, nil
	}
	ret, err := tableGet(t.r, s, head, key, hashBytes(key))
	if err != nil {
		return region.NoOff, false, err
	}
	if ret.code != retOK {
		return region.NoOff, false, nil
	}
	return ret.off, true, nil
}

// Put inserts key=value if key is absent. If key is already present, Put
// leaves it untouched and returns its current value with found=true.
func (t *Table) Put(s *region.Session, key []byte, value region.Off) (existing region.Off, found bool, err error) {
	if value == region.NoOff {
		return region.NoOff, false, fmt.Errorf("hashtable: put: nil value")
	}
	head, err := ensureHead(t.r, t.meta, defaultTableCap)
	if err != nil {
		return region.NoOff, false, err
	}
	ret, err := tablePut(t.r, s, head, key, hashBytes(key), value)
	if err != nil {
		return region.NoOff, false, err
	}
	switch ret.code {
	case retOK:
		if err := metaUpdateLen(t.r, t.meta, 1); err != nil {
			return region.NoOff, false, err
		}
		if err := cleanTables(t.r, s, t.meta); err != nil {
			return region.NoOff, false, err
		}
		return region.NoOff, false, nil
	default: // retStop: key already present
		return ret.off, true, nil
	}
}

// Xchg unconditionally replaces the value stored for an existing key and
// returns its previous value. found is false if key isn't present, in
// which case nothing is changed.
func (t *Table) Xchg(s *region.Session, key []byte, value region.Off) (previous region.Off, found bool, err error) {
	if value == region.NoOff {
		return region.NoOff, false, fmt.Errorf("hashtable: xchg: nil value")
	}
	return t.xchg(s, key, 0, value)
}

// CmpXchg replaces key's value with value only if its current value equals
// expected, atomically. found reports whether the compare succeeded;
// previous is the value actually observed either way.
func (t *Table) CmpXchg(s *region.Session, key []byte, expected, value region.Off) (previous region.Off, found bool, err error) {
	if value == region.NoOff || expected == region.NoOff {
		return region.NoOff, false, fmt.Errorf("hashtable: cmp_xchg: nil value")
	}
	return t.xchg(s, key, expected, value)
}

func (t *Table) xchg(s *region.Session, key []byte, expected, value region.Off) (region.Off, bool, error) {
	head, err := metaHead(t.r, t.meta)
	if err != nil {
		return region.NoOff, false, err
	}
	if head == region.NoOff {
		return region.NoOff, false, nil
	}
	ret, err := tableXchg(t.r, s, head, key, hashBytes(key), expected, value)
	if err != nil {
		return region.NoOff, false, err
	}
	if ret.code != retOK {
		return ret.off, false, nil
	}
	return ret.off, true, nil
}

// Del removes key unconditionally and returns its last value.
func (t *Table) Del(s *region.Session, key []byte) (previous region.Off, found bool, err error) {
	return t.del(s, key, 0)
}

// CmpDel removes key only if its current value equals expected.
func (t *Table) CmpDel(s *region.Session, key []byte, expected region.Off) (previous region.Off, found bool, err error) {
	if expected == region.NoOff {
		return region.NoOff, false, fmt.Errorf("hashtable: cmp_del: nil expected")
	}
	return t.del(s, key, expected)
}

func (t *Table) del(s *region.Session, key []byte, expected region.Off) (region.Off, bool, error) {
	head, err := metaHead(t.r, t.meta)
	if err != nil {
		return region.NoOff, false, err
	}
	if head == region.NoOff {
		return region.NoOff, false, nil
	}
	ret, err := tableDel(t.r, s, head, key, hashBytes(key), expected)
	if err != nil {
		return region.NoOff, false, err
	}
	if ret.code != retOK {
		return ret.off, false, nil
	}
	if err := metaUpdateLen(t.r, t.meta, -1); err != nil {
		return region.NoOff, false, err
	}
	return ret.off, true, nil
}

// Iterate visits every (key, value) pair present in the table in an
// unspecified order. visit's key slice aliases region memory and is only
// valid for the duration of the call; visit returning false stops
// iteration early. Concurrent writers may cause an entry to be visited
// zero, one, or (across a migration) more than once.
func (t *Table) Iterate(s *region.Session, visit func(key []byte, value region.Off) bool) error {
	head, err := metaHead(t.r, t.meta)
	if err != nil {
		return err
	}
	if head == region.NoOff {
		return nil
	}
	_, err = tableIterate(t.r, s, head, visit)
	return err
}

// Free releases every table in the chain, every key they still own, and
// the meta record itself, all through DeferFree under s. The table must not
// be used afterward; nothing guards against a concurrent operation on the
// same table racing this call.
func (t *Table) Free(s *region.Session) error {
	m, err := metaAt(t.r, t.meta)
	if err != nil {
		return err
	}
	off := region.Off(m.Tables)
	for off != region.NoOff {
		hdr, err := tableAt(t.r, off)
		if err != nil {
			return err
		}
		next := region.Off(hdr.Next)
		if err := freeTable(t.r, s, off); err != nil {
			return err
		}
		off = next
	}
	t.r.DeferFree(s, t.meta, metaRecordLen)
	return nil
}
