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

// epochThread is one session's slot in the registry. defers is a lock-free
// singly-linked stack: Defer/DeferFree prepend to it with a CAS loop, and
// the gc goroutine atomically swaps it out for nil to gather everything at
// once without blocking the session that's pushing.
type epochThread struct {
	epoch  uint64 // atomic
	defers unsafe.Pointer // atomic *deferNode

	next *epochThread
	prev *epochThread
}

func (t *epochThread) pushDefer(head, tail *deferNode) {
	for {
		old := atomic.LoadPointer(&t.defers)
		tail.next = (*deferNode)(old)
		if atomic.CompareAndSwapPointer(&t.defers, old, unsafe.Pointer(head)) {
			return
		}
	}
}

func (t *epochThread) takeDefers() *deferNode {
	old := atomic.SwapPointer(&t.defers, nil)
	return (*deferNode)(old)
}

// epochPrivate is the in-process epoch backend: the thread registry lives in
// regular Go heap memory (guarded by a mutex instead of the original's
// spinlock) and sessions are looked up via the *Session handle a goroutine
// was handed by Region.Enter rather than thread-local storage.
type epochPrivate struct {
	mu        sync.Mutex
	epoch     uint64 // atomic
	worldLock int32  // atomic; >0 means a world-stop is in progress

	head     *epochThread
	sentinel *epochThread

	gc *epochGC
}

func newEpochPrivate(freqUsec uint64, logf func(string, ...interface{}), freeFn func(Off, uint64, int)) *epochPrivate {
	ep := &epochPrivate{epoch: 2, sentinel: &epochThread{}}
	ep.head = ep.sentinel

	ep.gc = newEpochGC(&ep.mu, freqUsec, logf, ep.gather, ep.advance, freeFn)
	return ep
}

func (ep *epochPrivate) acquire() epochSlot {
	t := &epochThread{}

	ep.mu.Lock()
	t.next = ep.head
	ep.head.prev = t
	ep.head = t
	ep.mu.Unlock()

	return t
}

func (ep *epochPrivate) release(s epochSlot) {
	t := s.(*epochThread)

	ep.mu.Lock()
	if t.next != nil {
		t.next.prev = t.prev
	}
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		ep.head = t.next
	}
	ep.mu.Unlock()

	if d := t.takeDefers(); d != nil {
		tail := d
		for tail.next != nil {
			tail = tail.next
		}
		ep.sentinel.pushDefer(d, tail)
	}
}

func (ep *epochPrivate) enter(s epochSlot) {
	t := s.(*epochThread)

restart:
	epoch := atomic.LoadUint64(&ep.epoch)
	atomic.StoreUint64(&t.epoch, epoch)

	// Go's memory model gives plain loads/stores no ordering guarantee
	// relative to each other the way C11 acquire/release fences do; using
	// atomic ops for every touch of epoch/worldLock here is what actually
	// provides the happens-before edges the original comments describe.
	if atomic.LoadUint64(&ep.epoch) != epoch {
		atomic.StoreUint64(&t.epoch, 0)
		goto restart
	}

	if atomic.LoadInt32(&ep.worldLock) != 0 {
		atomic.StoreUint64(&t.epoch, 0)
		for atomic.LoadInt32(&ep.worldLock) != 0 {
			Spin()
		}
		goto restart
	}
}

func (ep *epochPrivate) exit(s epochSlot) {
	t := s.(*epochThread)
	atomic.StoreUint64(&t.epoch, 0)
}

func (ep *epochPrivate) defer_(s epochSlot, fn func()) {
	t := s.(*epochThread)
	epoch := atomic.LoadUint64(&ep.epoch)
	node := &deferNode{epoch: epoch, fn: fn}
	t.pushDefer(node, node)
}

func (ep *epochPrivate) deferFree(s epochSlot, off Off, length uint64, area int) {
	t := s.(*epochThread)
	epoch := atomic.LoadUint64(&ep.epoch)
	node := &deferNode{epoch: epoch, off: off, length: length, area: area}
	t.pushDefer(node, node)
}

// gather runs with ep.mu held (invoked from within epochGC.advanceOnce);
// it merges every session's pending defer list onto one chain.
func (ep *epochPrivate) gather() *deferNode {
	var head, tail *deferNode

	for t := ep.head; t != nil; t = t.next {
		d := t.takeDefers()
		if d == nil {
			continue
		}
		if head == nil {
			head = d
		} else {
			tail.next = d
		}
		tail = d
		for tail.next != nil {
			tail = tail.next
		}
	}

	return head
}

// advance runs with ep.mu held; it bumps the global epoch once every active
// session has caught up to the current one.
func (ep *epochPrivate) advance() uint64 {
	current := atomic.LoadUint64(&ep.epoch)

	for t := ep.head; t != nil; t = t.next {
		e := atomic.LoadUint64(&t.epoch)
		if e != 0 && e < current {
			return current
		}
	}

	return atomic.AddUint64(&ep.epoch, 1)
}

func (ep *epochPrivate) worldStop() {
	atomic.AddInt32(&ep.worldLock, 1)
	ep.mu.Lock()

	for t := ep.head; t != nil; t = t.next {
		for atomic.LoadUint64(&t.epoch) != 0 {
			Spin()
		}
	}

	ep.mu.Unlock()

	// Advance twice: the first pass only guarantees everything gathered
	// before the stop has a final epoch; the second reaps it.
	ep.gc.advanceOnce()
	ep.gc.advanceOnce()
}

func (ep *epochPrivate) worldResume() {
	atomic.AddInt32(&ep.worldLock, -1)
}

func (ep *epochPrivate) close() {
	ep.gc.close()
}
