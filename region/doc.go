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

// Package region implements a persistent, memory-mapped storage region: a
// heap whose contents survive process restarts. Clients open a Region
// backed by a file, alloc/free variable-sized blocks at stable offsets,
// read and write through direct pointers into the mapping, and bracket
// concurrent reads with Enter/Exit so that a background collector can defer
// reclamation until no reader can observe the freed bytes. Save makes the
// on-disk image crash-consistent at an explicit point in time.
//
// Region itself only understands fixed-size byte regions addressed by Off;
// it has no notion of typed records beyond the handful it needs for its own
// bookkeeping (meta header, allocator root, epoch root). Higher-level
// structures, such as the lock-free hash table in the sibling hashtable
// package, are built entirely out of Alloc/Read/Write/DeferFree.
package region
