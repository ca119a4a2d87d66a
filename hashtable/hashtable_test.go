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
	"path/filepath"
	"sync"
	"testing"

	"github.com/ilka-db/ilka/region"
)

func openTestRegion(t *testing.T) *region.Region {
	t.Helper()
	path := filepath.Join(t.TempDir(), "region.img")
	r, err := region.Open(path, region.Options{Create: true, AllocAreas: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestPutGetDel(t *testing.T) {
	r := openTestRegion(t)
	tbl, err := Create(r, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s := r.Enter()
	defer s.Close()

	key := []byte("hello")
	valOff, err := r.Alloc(8)
	if err != nil {
		t.Fatalf("alloc value: %v", err)
	}

	if _, found, err := tbl.Get(s, key); err != nil || found {
		t.Fatalf("get on empty table: found=%v err=%v", found, err)
	}

	if existing, found, err := tbl.Put(s, key, valOff); err != nil || found {
		t.Fatalf("put: existing=%v found=%v err=%v", existing, found, err)
	}

	if got, found, err := tbl.Get(s, key); err != nil || !found || got != valOff {
		t.Fatalf("get after put: got=%v found=%v err=%v", got, found, err)
	}

	// a second Put of the same key must not overwrite it
	otherOff, _ := r.Alloc(8)
	if existing, found, err := tbl.Put(s, key, otherOff); err != nil || !found || existing != valOff {
		t.Fatalf("put existing key: existing=%v found=%v err=%v", existing, found, err)
	}

	n, err := tbl.Len()
	if err != nil || n != 1 {
		t.Fatalf("len: n=%d err=%v", n, err)
	}

	prev, found, err := tbl.Del(s, key)
	if err != nil || !found || prev != valOff {
		t.Fatalf("del: prev=%v found=%v err=%v", prev, found, err)
	}

	if _, found, err := tbl.Get(s, key); err != nil || found {
		t.Fatalf("get after del: found=%v err=%v", found, err)
	}

	if n, err := tbl.Len(); err != nil || n != 0 {
		t.Fatalf("len after del: n=%d err=%v", n, err)
	}
}

func TestXchgAndCmpXchg(t *testing.T) {
	r := openTestRegion(t)
	tbl, err := Create(r, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s := r.Enter()
	defer s.Close()

	key := []byte("counter")
	v1, _ := r.Alloc(8)
	v2, _ := r.Alloc(8)
	v3, _ := r.Alloc(8)

	if _, found, err := tbl.Xchg(s, key, v1); err != nil || found {
		t.Fatalf("xchg on absent key should report not found: found=%v err=%v", found, err)
	}

	if _, _, err := tbl.Put(s, key, v1); err != nil {
		t.Fatalf("put: %v", err)
	}

	prev, found, err := tbl.Xchg(s, key, v2)
	if err != nil || !found || prev != v1 {
		t.Fatalf("xchg: prev=%v found=%v err=%v", prev, found, err)
	}

	// cmp_xchg against the wrong expected value must fail and report the
	// actual current value
	prev, found, err = tbl.CmpXchg(s, key, v1, v3)
	if err != nil || found || prev != v2 {
		t.Fatalf("cmp_xchg wrong expected: prev=%v found=%v err=%v", prev, found, err)
	}

	prev, found, err = tbl.CmpXchg(s, key, v2, v3)
	if err != nil || !found || prev != v2 {
		t.Fatalf("cmp_xchg right expected: prev=%v found=%v err=%v", prev, found, err)
	}

	if got, _, _ := tbl.Get(s, key); got != v3 {
		t.Fatalf("get after cmp_xchg: got=%v want=%v", got, v3)
	}
}

func TestCapReserveResize(t *testing.T) {
	r := openTestRegion(t)
	tbl, err := Create(r, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s := r.Enter()
	defer s.Close()

	if cap, err := tbl.Cap(); err != nil || cap != 0 {
		t.Fatalf("cap of empty table: cap=%d err=%v", cap, err)
	}

	if err := tbl.Reserve(s, 256); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	cap, err := tbl.Cap()
	if err != nil {
		t.Fatalf("cap: %v", err)
	}
	if cap < 256 {
		t.Fatalf("cap after reserve(256) = %d, want >= 256", cap)
	}

	// 257 keys into a map reserved to 256 must still all be reachable once
	// migration settles.
	for i := 0; i < 257; i++ {
		key := fmt.Sprintf("rsz-%d", i)
		off, err := r.Alloc(8)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		if _, found, err := tbl.Put(s, []byte(key), off); err != nil || found {
			t.Fatalf("put %s: found=%v err=%v", key, found, err)
		}
	}

	cap, err = tbl.Cap()
	if err != nil {
		t.Fatalf("cap: %v", err)
	}
	if cap < 256 {
		t.Fatalf("cap after 257 inserts = %d, want >= 256", cap)
	}

	if err := tbl.Resize(s, cap*2); err != nil {
		t.Fatalf("resize: %v", err)
	}
	got, err := tbl.Cap()
	if err != nil || got < cap*2 {
		t.Fatalf("cap after explicit resize: got=%d want>=%d err=%v", got, cap*2, err)
	}

	for i := 0; i < 257; i++ {
		key := fmt.Sprintf("rsz-%d", i)
		if _, found, err := tbl.Get(s, []byte(key)); err != nil || !found {
			t.Fatalf("get %s after resize: found=%v err=%v", key, found, err)
		}
	}
}

func TestResizeAcrossManyKeys(t *testing.T) {
	r := openTestRegion(t)
	tbl, err := Create(r, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s := r.Enter()
	defer s.Close()

	const n = 500
	values := make(map[string]region.Off, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%d", i)
		off, err := r.Alloc(8)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		if _, found, err := tbl.Put(s, []byte(key), off); err != nil || found {
			t.Fatalf("put %s: found=%v err=%v", key, found, err)
		}
		values[key] = off
	}

	for key, want := range values {
		got, found, err := tbl.Get(s, []byte(key))
		if err != nil || !found || got != want {
			t.Fatalf("get %s: got=%v want=%v found=%v err=%v", key, got, want, found, err)
		}
	}

	if got, err := tbl.Len(); err != nil || got != n {
		t.Fatalf("len after resize: got=%d want=%d err=%v", got, n, err)
	}
}

func TestIterate(t *testing.T) {
	r := openTestRegion(t)
	tbl, err := Create(r, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s := r.Enter()
	defer s.Close()

	want := map[string]region.Off{}
	for i := 0; i < 64; i++ {
		key := fmt.Sprintf("iter-%d", i)
		off, _ := r.Alloc(8)
		if _, _, err := tbl.Put(s, []byte(key), off); err != nil {
			t.Fatalf("put: %v", err)
		}
		want[key] = off
	}

	got := map[string]region.Off{}
	err = tbl.Iterate(s, func(key []byte, value region.Off) bool {
		got[string(key)] = value
		return true
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("iterate visited %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("iterate entry %s: got %v want %v", k, got[k], v)
		}
	}
}

func TestConcurrentPutDel(t *testing.T) {
	r := openTestRegion(t)
	tbl, err := Create(r, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 8
	const perWorker = 64

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			s := r.Enter()
			defer s.Close()

			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("w%d-k%d", w, i)
				off, err := r.Alloc(8)
				if err != nil {
					t.Errorf("alloc: %v", err)
					return
				}
				if _, found, err := tbl.Put(s, []byte(key), off); err != nil || found {
					t.Errorf("put %s: found=%v err=%v", key, found, err)
					return
				}
				if got, found, err := tbl.Get(s, []byte(key)); err != nil || !found || got != off {
					t.Errorf("get %s: got=%v found=%v err=%v", key, got, found, err)
					return
				}
				if _, found, err := tbl.Del(s, []byte(key)); err != nil || !found {
					t.Errorf("del %s: found=%v err=%v", key, found, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	n, err := tbl.Len()
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 0 {
		t.Fatalf("len after concurrent put/del: got %d, want 0", n)
	}
}

func TestOpenReopensExistingTable(t *testing.T) {
	r := openTestRegion(t)
	tbl, err := Create(r, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s := r.Enter()
	off, _ := r.Alloc(8)
	if _, _, err := tbl.Put(s, []byte("persisted"), off); err != nil {
		t.Fatalf("put: %v", err)
	}
	s.Close()

	reopened, err := Open(r, tbl.Off(), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	s2 := r.Enter()
	defer s2.Close()
	got, found, err := reopened.Get(s2, []byte("persisted"))
	if err != nil || !found || got != off {
		t.Fatalf("get via reopened handle: got=%v found=%v err=%v", got, found, err)
	}
}
