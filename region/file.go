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
	"os"
)

// openBackingFile resolves Options.Open/Create/Truncate/ReadOnly/FileMode
// into the os.File that will back the mapping. It never truncates an
// existing file unless Options.Truncate is set, and never creates one
// unless Options.Create is set.
func openBackingFile(path string, o *Options) (*os.File, bool, error) {
	flag := os.O_RDWR
	if o.ReadOnly {
		flag = os.O_RDONLY
	}

	switch {
	case o.Create && !o.Open:
		flag |= os.O_CREATE | os.O_EXCL
	case o.Create && o.Open:
		flag |= os.O_CREATE
	}
	if o.Truncate {
		flag |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flag, o.FileMode)
	if err != nil {
		return nil, false, newErr(ErrIO, "open", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, newErr(ErrIO, "stat", err)
	}
	return f, fi.Size() == 0, nil
}

// growBackingFile extends the file to newLen, zero-filling the new region.
// On platforms where it's available, fallocate is used so the filesystem
// commits real blocks up front rather than leaving a sparse file that could
// ENOSPC partway through a later write.
func growBackingFile(f *os.File, newLen uint64) error {
	if err := f.Truncate(int64(newLen)); err != nil {
		return fmt.Errorf("truncate region file: %w", err)
	}
	return fallocateFile(f, newLen)
}
