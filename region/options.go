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

import "os"

// Options configures Open. At least one of Open or Create must be set;
// setting both means create-if-missing.
type Options struct {
	// Open requires that the file already exists.
	Open bool
	// Create allows a new file to be created. Combined with Open it means
	// create-if-missing.
	Create bool
	// ReadOnly maps the region PROT_READ only; Write, Alloc, Grow, SetRoot
	// and Save fail with ErrInvalidArgument. Free has no error result and
	// does not check ReadOnly.
	ReadOnly bool
	// Truncate discards any existing content on create.
	Truncate bool
	// Populate prefaults mapped pages at open/grow time (MAP_POPULATE on
	// linux; ignored elsewhere).
	Populate bool
	// HugeTLB requests huge pages for the mapping (MAP_HUGETLB on linux;
	// ignored elsewhere).
	HugeTLB bool
	// EpochGCFreqUsec controls how often the background reclamation
	// worker wakes to advance the epoch and reap deferred frees. Defaults
	// to 1000 (1ms).
	EpochGCFreqUsec uint64
	// EpochSlots sizes the shared-variant reservation table (one slot per
	// concurrent writer process/thread group). Ignored for the private
	// variant. Defaults to runtime.GOMAXPROCS(0).
	EpochSlots int
	// AllocAreas shards the allocator's free lists to reduce CAS
	// contention. Each Alloc and Free picks an area round-robin; an area is
	// not tied to a goroutine, and a freed block is not returned to the
	// area it came from. Defaults to 1 (no sharding).
	AllocAreas int
	// FileMode is the mode bits used when Create makes a new file.
	FileMode os.FileMode
	// Shared selects the shared epoch variant: the epoch reservation table
	// lives inside the region instead of process memory, and Save is
	// rejected (no journal). The region is still backed by the file at the
	// path given to Open; no POSIX shared-memory object is opened.
	Shared bool
	// Logger receives diagnostic events; nil discards them.
	Logger Logger
	// DebugAlloc enables an mcheck-style double-alloc/double-free tracker.
	// Adds bookkeeping overhead; intended for tests, not production use.
	DebugAlloc bool
	// JournalCompression enables zstd compression of the journal body
	// written by every Save, whatever the region's size. The on-disk
	// record format is unchanged when disabled, which is the default.
	JournalCompression bool
}

func (o *Options) normalize() error {
	if !o.Open && !o.Create {
		return newErr(ErrInvalidArgument, "open", nil)
	}
	if o.EpochGCFreqUsec == 0 {
		o.EpochGCFreqUsec = 1000
	}
	if o.AllocAreas <= 0 {
		o.AllocAreas = 1
	}
	if o.FileMode == 0 {
		o.FileMode = 0644
	}
	return nil
}
