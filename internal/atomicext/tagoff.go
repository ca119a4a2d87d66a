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

package atomicext

import (
	"runtime"
	"sync/atomic"
)

// TagBits is the width of the ABA counter carried in the high bits of a
// tagged offset used by lock-free free-list links.
const TagBits = 16

const tagShift = 64 - TagBits
const tagMask = uint64(1)<<TagBits - 1

// Untag clears the ABA counter from a tagged offset, recovering the plain
// offset value it wraps.
func Untag(v uint64) uint64 {
	return v &^ (tagMask << tagShift)
}

// Tag stamps counter (truncated to TagBits) into the high bits of off.
func Tag(off, counter uint64) uint64 {
	return Untag(off) | ((counter & tagMask) << tagShift)
}

// NextTag atomically increments *counter and returns off tagged with the new
// counter value. Used when pushing a node onto a free list so that a
// subsequent pop can never be fooled by a stale head value that happens to
// carry the same offset (the ABA problem).
func NextTag(counter *uint64, off uint64) uint64 {
	c := atomic.AddUint64(counter, 1)
	return Tag(off, c)
}

// Spin yields the processor inside a busy-wait loop. Go has no portable
// intrinsic equivalent of a PAUSE instruction, so this hands the goroutine
// back to the scheduler instead of spinning the core; callers that spin on a
// condition expected to clear quickly (world_lock, epoch reservations) call
// this once per failed attempt.
func Spin() {
	runtime.Gosched()
}
