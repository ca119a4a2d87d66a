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
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// allocDebugger tracks live allocations by offset so double-allocation and
// double-free bugs surface immediately as a panic instead of silently
// corrupting a free list. Gated by Options.DebugAlloc: nil when disabled, so
// every call site is a cheap nil check on the hot path.
type allocDebugger struct {
	mu   sync.Mutex
	live map[Off]uint64
}

func newAllocDebugger(enabled bool) *allocDebugger {
	if !enabled {
		return nil
	}
	return &allocDebugger{live: make(map[Off]uint64)}
}

func (d *allocDebugger) onAlloc(off Off, length uint64) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.live[off]; ok {
		panic(&FatalError{Op: "alloc", Err: fmt.Errorf("double-allocation at offset %d (previously allocated %d bytes)", off, prev)})
	}
	d.live[off] = length
}

func (d *allocDebugger) onFree(off Off, length uint64) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	got, ok := d.live[off]
	if !ok {
		panic(&FatalError{Op: "free", Err: fmt.Errorf("double-free at offset %d", off)})
	}
	if got != length {
		panic(&FatalError{Op: "free", Err: fmt.Errorf("free length mismatch at offset %d: allocated %d, freed %d", off, got, length)})
	}
	delete(d.live, off)
}

// LiveOffsets returns every currently-live allocation's offset, sorted
// ascending, for diagnostics (e.g. a leak dump at the end of a test run).
// Returns nil if DebugAlloc wasn't enabled for this region.
func (d *allocDebugger) LiveOffsets() []Off {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	offs := maps.Keys(d.live)
	slices.Sort(offs)
	return offs
}

// LiveOffsets reports every currently-live debug-tracked allocation's
// offset, sorted ascending. Only meaningful when the region was opened
// with Options.DebugAlloc; returns nil otherwise.
func (r *Region) LiveOffsets() []Off {
	return r.debug.LiveOffsets()
}
