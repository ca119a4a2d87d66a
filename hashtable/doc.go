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

// Package hashtable implements a lock-free, region-resident hash map from
// opaque byte-string keys to region.Off values. It is built entirely out of
// the region package's public surface (Alloc/Read/Write/DeferFree/Enter):
// a map is a singly linked chain of fixed-capacity tables, the newest being
// the write target and older ones draining into it as callers help migrate
// the buckets they happen to touch. There is no global resize pause.
//
// Keys are hashed with a build-time fixed SipHash key so bucket placement
// is stable across restarts; callers that need protection from
// hash-flooding should hash their own keys with a per-process secret
// before handing them to Put/Get.
package hashtable
