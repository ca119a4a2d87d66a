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

// Every bucket cell (key_ref and val) is a region.Off with its state
// smuggled into the top 2 bits. This is a separate tagging scheme from the
// allocator's 16-bit ABA counters: a cell only ever needs to distinguish
// four states, never needs to detect an ABA race (a cell's offset is never
// reused as long as its state is tracked here), and region offsets never
// come close to needing bit 62.
type cellState uint8

const (
	stateNil cellState = iota
	stateSet
	stateTomb
	stateMove
)

const (
	stateShift = 62
	stateMask  = uint64(3) << stateShift
	cellOffMask = ^stateMask
)

func stateOf(v uint64) cellState { return cellState(v >> stateShift) }

func clearState(v uint64) uint64 { return v & cellOffMask }

func withState(off uint64, s cellState) uint64 {
	return (off & cellOffMask) | (uint64(s) << stateShift)
}

func (s cellState) String() string {
	switch s {
	case stateNil:
		return "nil"
	case stateSet:
		return "set"
	case stateTomb:
		return "tomb"
	case stateMove:
		return "move"
	default:
		return "invalid"
	}
}
