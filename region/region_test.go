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
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openFresh(t *testing.T, o Options) (*Region, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "region.img")
	o.Create = true
	r, err := Open(path, o)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return r, path
}

// A small allocation's bytes must round-trip across Save/Close/Open.
func TestRoundTripSmallAlloc(t *testing.T) {
	r, path := openFresh(t, Options{})

	off, err := r.Alloc(64)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	want := bytes.Repeat([]byte{0xAA}, 64)
	if err := r.Write(off, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := r.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r2, err := Open(path, Options{Open: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r2.Close()

	got, err := r2.Read(off, 64)
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("bytes did not survive save/close/open: got %x want %x", got, want)
	}
}

// Grow repeatedly across many separate mmap extents, forcing a
// WorldStop/WorldResume cycle, then verify every page still reads back
// correctly.
func TestGrowBeyondReservation(t *testing.T) {
	r, _ := openFresh(t, Options{})

	const pages = 32
	offs := make([]Off, pages)
	for i := 0; i < pages; i++ {
		off, err := r.grow(PageSize)
		if err != nil {
			t.Fatalf("grow %d: %v", i, err)
		}
		offs[i] = off
		if err := r.Write(off, bytes.Repeat([]byte{byte(i + 1)}, PageSize)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	r.WorldStop()
	r.WorldResume()

	for i := 0; i < pages; i++ {
		got, err := r.Read(offs[i], PageSize)
		if err != nil {
			t.Fatalf("read page %d: %v", i, err)
		}
		want := byte(i + 1)
		for j, b := range got {
			if b != want {
				t.Fatalf("page %d byte %d: got %#x want %#x", i, j, b, want)
			}
		}
	}
}

// A reader inside Enter/Exit must never observe a zeroed value at an
// offset that a concurrent writer is about to defer-free and reuse.
func TestEpochDeferProtectsReader(t *testing.T) {
	r, _ := openFresh(t, Options{})

	off, err := r.Alloc(8)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := r.Write(off, []byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatalf("write: %v", err)
	}

	const rounds = 200
	var wg sync.WaitGroup
	stop := make(chan struct{})
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			select {
			case <-stop:
				return
			default:
			}
			s := r.Enter()
			b, err := r.Read(off, 8)
			if err != nil {
				s.Exit()
				s.Close()
				select {
				case errCh <- err:
				default:
				}
				return
			}
			allZero := true
			for _, v := range b {
				if v != 0 {
					allZero = false
					break
				}
			}
			if allZero {
				select {
				case errCh <- fmt.Errorf("reader observed all-zero bytes at round %d", i):
				default:
				}
				s.Exit()
				s.Close()
				return
			}
			s.Exit()
			s.Close()
		}
	}()

	writer := r.Enter()
	for i := 0; i < rounds/2; i++ {
		writer.DeferFree(off, 8, 0)
		off2, err := r.Alloc(8)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		if err := r.Write(off2, []byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
			t.Fatalf("write: %v", err)
		}
		off = off2
	}
	writer.Exit()
	writer.Close()

	close(stop)
	wg.Wait()

	select {
	case err := <-errCh:
		t.Fatalf("%v", err)
	default:
	}
}

// Allocation boundary behaviors: a zero-length request must be rejected,
// and requests straddling the size-class/page-allocator threshold must
// both round-trip correctly regardless of which path served them.
func TestAllocBoundaries(t *testing.T) {
	r, _ := openFresh(t, Options{})

	if _, err := r.Alloc(0); err == nil {
		t.Fatalf("alloc(0) should fail")
	} else if kind, ok := KindOf(err); !ok || kind != ErrInvalidArgument {
		t.Fatalf("alloc(0) error kind = %v, want invalid_argument", kind)
	}

	// 2048 exactly uses the size-class path; 2049 uses the page path. Both
	// must round-trip correctly regardless of which path served them.
	offSmall, err := r.Alloc(2048)
	if err != nil {
		t.Fatalf("alloc 2048: %v", err)
	}
	offLarge, err := r.Alloc(2049)
	if err != nil {
		t.Fatalf("alloc 2049: %v", err)
	}
	if offSmall == offLarge {
		t.Fatalf("alloc 2048 and 2049 returned the same offset")
	}

	if err := r.Write(offSmall, bytes.Repeat([]byte{1}, 2048)); err != nil {
		t.Fatalf("write small: %v", err)
	}
	if err := r.Write(offLarge, bytes.Repeat([]byte{2}, 2049)); err != nil {
		t.Fatalf("write large: %v", err)
	}

	got, _ := r.Read(offSmall, 2048)
	if !bytes.Equal(got, bytes.Repeat([]byte{1}, 2048)) {
		t.Fatalf("small alloc content corrupted")
	}
	got, _ = r.Read(offLarge, 2049)
	if !bytes.Equal(got, bytes.Repeat([]byte{2}, 2049)) {
		t.Fatalf("large alloc content corrupted")
	}
}

// For any sequence of Alloc/Free ending with everything freed, a fresh
// Alloc of the same size must be able to reuse the freed space instead of
// growing the region -- a cheap proxy for "no leaked live allocations".
func TestAllocFreeRoundTripNoLeak(t *testing.T) {
	r, _ := openFresh(t, Options{})

	const n = 64
	offs := make([]Off, n)
	for i := range offs {
		off, err := r.Alloc(128)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		offs[i] = off
	}
	lenAfterAlloc := r.Len()

	for _, off := range offs {
		r.Free(off, 128)
	}

	// Re-allocating the same total volume should not need to grow the
	// region further, since everything was returned to the free lists.
	for i := 0; i < n; i++ {
		if _, err := r.Alloc(128); err != nil {
			t.Fatalf("realloc %d: %v", i, err)
		}
	}
	if r.Len() != lenAfterAlloc {
		t.Fatalf("region grew on reallocation after a full free: before=%d after=%d", lenAfterAlloc, r.Len())
	}
}

// World-stop with no readers active must return immediately.
func TestWorldStopNoReaders(t *testing.T) {
	r, _ := openFresh(t, Options{})
	done := make(chan struct{})
	go func() {
		r.WorldStop()
		r.WorldResume()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("WorldStop with no readers did not return")
	}
}

// SetRoot/GetRoot survive Save/Close/Open, since the hashtable package
// relies on this to relocate its meta record across restarts.
func TestSetRootPersists(t *testing.T) {
	r, path := openFresh(t, Options{})

	off, err := r.Alloc(16)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := r.SetRoot(off); err != nil {
		t.Fatalf("set root: %v", err)
	}
	if err := r.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r2, err := Open(path, Options{Open: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r2.Close()

	if got := r2.GetRoot(); got != off {
		t.Fatalf("root offset did not survive reopen: got=%v want=%v", got, off)
	}
}

// ReadOnly regions reject Alloc, Write and Save.
func TestReadOnlyRejectsWrites(t *testing.T) {
	r, path := openFresh(t, Options{})
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r2, err := Open(path, Options{Open: true, ReadOnly: true})
	if err != nil {
		t.Fatalf("reopen read-only: %v", err)
	}
	defer r2.Close()

	if _, err := r2.Alloc(8); err == nil {
		t.Fatalf("alloc on read-only region should fail")
	}
	if err := r2.Write(0, []byte{1}); err == nil {
		t.Fatalf("write on read-only region should fail")
	}
	if err := r2.Save(); err == nil {
		t.Fatalf("save on read-only region should fail")
	}
}

// Shared regions reject Save outright (no journal in that variant).
func TestSharedRegionRejectsSave(t *testing.T) {
	r, _ := openFresh(t, Options{Shared: true, EpochSlots: 4})
	defer r.Close()

	if err := r.Save(); err == nil {
		t.Fatalf("save on shared region should fail")
	}
}

// Concurrent allocation across many goroutines and areas must never hand
// out overlapping ranges.
func TestConcurrentAllocNoOverlap(t *testing.T) {
	r, _ := openFresh(t, Options{AllocAreas: 4, DebugAlloc: true})

	const workers = 16
	const perWorker = 256

	var mu sync.Mutex
	seen := make(map[Off]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				off, err := r.Alloc(32)
				if err != nil {
					t.Errorf("alloc: %v", err)
					return
				}
				mu.Lock()
				if seen[off] {
					mu.Unlock()
					t.Errorf("offset %v handed out twice", off)
					return
				}
				seen[off] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}
