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

// Go has no equivalent of pthread_getspecific/TLS, so the implicit
// "current thread's epoch slot" lookup the original does on every Enter is
// replaced by an explicit handle: callers obtain a *Session once per
// goroutine (typically via Region.Enter, which acquires a new slot on every
// call and performs the enter) and pass it back to Exit/Defer/DeferFree.
// A Session must never be shared between goroutines.
type Session struct {
	backend epochBackend
	slot    epochSlot
}

// Enter marks the session as active in the current epoch; reads and writes
// against region-resident data are only valid between Enter and Exit.
func (s *Session) Enter() {
	s.backend.enter(s.slot)
}

// Exit ends the bracket opened by Enter.
func (s *Session) Exit() {
	s.backend.exit(s.slot)
}

// Defer schedules fn to run once no session could still observe the state
// current as of this call -- i.e. once every session active right now has
// exited at least once.
func (s *Session) Defer(fn func()) {
	s.backend.defer_(s.slot, fn)
}

// DeferFree schedules the allocation at off (len bytes) to be freed once no
// session could still be holding a reference to it. area is stored on the
// deferred node but not used when the free runs; the allocator picks an
// area round-robin.
func (s *Session) DeferFree(off Off, length uint64, area int) {
	s.backend.deferFree(s.slot, off, length, area)
}

// Close releases the session's slot in the thread/epoch registry. Safe to
// call once a goroutine is done touching the region; not calling it leaks
// a slot for the life of the region.
func (s *Session) Close() {
	s.backend.release(s.slot)
}

// epochSlot identifies a session's registry entry; backends interpret it
// however suits their storage (a pointer for the private backend, an index
// for the shared backend).
type epochSlot interface{}

// deferNode is a pending deferred action tagged with the epoch at which it
// was scheduled; it becomes eligible to run once the global epoch is at
// least two past it.
type deferNode struct {
	epoch  uint64
	fn     func()
	off    Off
	length uint64
	area   int
	next   *deferNode
}

func (d *deferNode) run(freeFn func(Off, uint64, int)) {
	if d.fn != nil {
		d.fn()
		return
	}
	freeFn(d.off, d.length, d.area)
}

// epochBackend is satisfied by both the private (in-process, sync.Mutex and
// goroutine-local-via-Session bookkeeping) and shared (region-resident
// registry in the same backing file) implementations; Region.Open picks one
// based on Options.Shared.
type epochBackend interface {
	acquire() epochSlot
	release(epochSlot)
	enter(epochSlot)
	exit(epochSlot)
	defer_(epochSlot, func())
	deferFree(epochSlot, Off, uint64, int)
	worldStop()
	worldResume()
	close()
}
