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
	"fmt"
	"sync"
)

// Logger is accepted by Options to report soft diagnostic events (region
// growth, a deferred callback that panicked, and the fatal condition
// recorded just before a FatalError panic). The
// region never imports a concrete logging package; callers wire in whatever
// they already use by satisfying this one-method interface.
type Logger interface {
	Printf(format string, args ...interface{})
}

func (r *Region) logf(format string, args ...interface{}) {
	if r.logger == nil {
		return
	}
	r.ring.push(format, args)
	r.logger.Printf(format, args...)
}

// logRing keeps the last few formatted log lines so fatal can attach them to
// the panic it raises, a small aid for diagnosing an unrecoverable
// condition after the fact. Lines are only recorded while a Logger is set.
type logRing struct {
	mu    sync.Mutex
	lines [32]string
	next  int
	full  bool
}

func (l *logRing) push(format string, args []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines[l.next] = fmt.Sprintf(format, args...)
	l.next = (l.next + 1) % len(l.lines)
	if l.next == 0 {
		l.full = true
	}
}

func (l *logRing) dump() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		out := make([]string, l.next)
		copy(out, l.lines[:l.next])
		return out
	}
	out := make([]string, len(l.lines))
	copy(out, l.lines[l.next:])
	copy(out[len(l.lines)-l.next:], l.lines[:l.next])
	return out
}

// FatalError is the panic value raised by an unrecoverable condition:
// mapping failure, a corrupted persistence path, or a lock syscall that
// failed. The façade never recovers from it.
type FatalError struct {
	Op      string
	Err     error
	Recent  []string
}

func (f *FatalError) Error() string {
	return fmt.Sprintf("region: fatal: %s: %v", f.Op, f.Err)
}

func (f *FatalError) Unwrap() error { return f.Err }

func (r *Region) fatal(op string, err error) {
	var recent []string
	if r != nil {
		recent = r.ring.dump()
		r.logf("FATAL %s: %v", op, err)
	}
	panic(&FatalError{Op: op, Err: err, Recent: recent})
}
