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

//go:build linux || darwin
// +build linux darwin

package region

import (
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// vmaNode is one mapped virtual-memory extent of the backing file. Growth
// never resizes a live mapping; it maps the file again at the new length and
// appends the result here. Every node maps the same fd MAP_SHARED, so the
// kernel page cache keeps them byte-coherent with each other no matter which
// node a given access() call happens to serve a read or write through.
// Offsets into the region are never raw pointers (only Off values crossing
// the API boundary), so nodes never need to share a base address.
type vmaNode struct {
	mem []byte
}

// mappingState is an immutable snapshot of the VMA chain, swapped in with
// atomic.Value.Store on Grow. Slices handed out against an old snapshot's
// nodes stay valid until coalesce or Close actually calls munmap on them.
type mappingState struct {
	nodes []*vmaNode
}

type mapping struct {
	fd       int
	readOnly bool
	populate bool
	hugeTLB  bool
	state    atomic.Value // *mappingState
}

func newMapping(f *os.File, readOnly bool) *mapping {
	return newMappingWithFlags(f, readOnly, false, false)
}

func newMappingWithFlags(f *os.File, readOnly, populate, hugeTLB bool) *mapping {
	m := &mapping{fd: int(f.Fd()), readOnly: readOnly, populate: populate, hugeTLB: hugeTLB}
	m.state.Store(&mappingState{})
	return m
}

func (m *mapping) load() *mappingState {
	return m.state.Load().(*mappingState)
}

// access returns the bytes [off, off+length) from the newest VMA node large
// enough to contain them.
func (m *mapping) access(off, length uint64) ([]byte, bool) {
	st := m.load()
	need := off + length
	for i := len(st.nodes) - 1; i >= 0; i-- {
		n := st.nodes[i]
		if uint64(len(n.mem)) >= need {
			return n.mem[off : off+length], true
		}
	}
	return nil, false
}

// isEdge reports whether off is exactly the mapping's current logical end.
func (m *mapping) isEdge(off uint64) bool {
	st := m.load()
	if len(st.nodes) == 0 {
		return off == 0
	}
	return uint64(len(st.nodes[len(st.nodes)-1].mem)) == off
}

// len reports the current logical mapped length.
func (m *mapping) len() uint64 {
	st := m.load()
	if len(st.nodes) == 0 {
		return 0
	}
	return uint64(len(st.nodes[len(st.nodes)-1].mem))
}

// full returns the newest node's entire mapped view, [0, len).
func (m *mapping) full() []byte {
	st := m.load()
	if len(st.nodes) == 0 {
		return nil
	}
	return st.nodes[len(st.nodes)-1].mem
}

// grow maps the file at its new, larger length and appends the result as
// the newest node. Prior nodes stay mapped so existing slices stay valid;
// they're reclaimed later by coalesce, which may only run inside a
// world-stop once nothing can hold a live reference into them.
func (m *mapping) grow(newLen uint64) error {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if m.readOnly {
		prot = unix.PROT_READ
	}
	flags := unix.MAP_SHARED | mmapExtraFlags(m.populate, m.hugeTLB)
	mem, err := unix.Mmap(m.fd, 0, int(newLen), prot, flags)
	if err != nil {
		return fmt.Errorf("mmap region file: %w", err)
	}
	st := m.load()
	nodes := append(append([]*vmaNode{}, st.nodes...), &vmaNode{mem: mem})
	m.state.Store(&mappingState{nodes: nodes})
	return nil
}

// coalesce drops every mapping but the newest, unmapping the rest. Only
// safe to call from within a world-stop.
func (m *mapping) coalesce() {
	st := m.load()
	if len(st.nodes) <= 1 {
		return
	}
	newest := st.nodes[len(st.nodes)-1]
	for _, n := range st.nodes[:len(st.nodes)-1] {
		_ = unix.Munmap(n.mem)
	}
	m.state.Store(&mappingState{nodes: []*vmaNode{newest}})
}

// closeAll unmaps every node; called once from Close.
func (m *mapping) closeAll() {
	st := m.load()
	for _, n := range st.nodes {
		_ = unix.Munmap(n.mem)
	}
	m.state.Store(&mappingState{})
}

func madviseFree(mem []byte) {
	_ = unix.Madvise(mem, unix.MADV_FREE)
}
