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
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
)

const (
	journalExt   = ".journal"
	journalMagic = uint64(0xB0E9C4032E414824)

	journalFormatRaw  = 0
	journalFormatZstd = 1

	// journalDigestLen is the size of the blake2b-256 content digest
	// written between the record stream and the magic trailer.
	journalDigestLen = blake2b.Size256
	// journalTrailerLen is the combined size of the digest and magic
	// trailer, i.e. everything after the record stream.
	journalTrailerLen = journalDigestLen + 8
	// journalMinLen is the smallest a well-formed journal can be: a
	// format byte, an empty record stream (just the sentinel), the
	// digest and the magic trailer.
	journalMinLen = 1 + journalNodeLen + journalTrailerLen
)

// journalNodeLen is the size of one on-disk {off,len} record header; a
// trailing zero record terminates the log.
const journalNodeLen = 16

func journalPath(path string) string { return path + journalExt }

// writeJournal appends every run's bytes to a freshly created journal file
// as {off,len,bytes...} records terminated by a {0,0} sentinel, fsyncs,
// then appends a blake2b-256 content digest over everything written so far
// (the format byte and the full record stream) followed by the magic
// trailer, and fsyncs again -- the file is only a valid recovery source
// once the trailer is durable. The digest mirrors the teacher's per-block
// blake2b integrity hash (ion/blockfmt) at journal granularity, so a
// flipped bit in an otherwise well-formed journal surfaces as ErrCorruption
// instead of being replayed into the region file. When compress is set,
// the whole record stream after the format byte (every {off,len} header,
// every body and the sentinel) is written as one zstd stream, and the
// header lengths are the *uncompressed* body sizes; the digest is
// computed over the physical (possibly compressed) bytes, so recovery
// never has to decompress in order to verify it.
func writeJournal(path string, runs []dirtyRun, read func(off, length uint64) []byte, compress bool) (err error) {
	f, err := os.OpenFile(journalPath(path), os.O_CREATE|os.O_EXCL|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create journal: %w", err)
	}
	defer func() {
		f.Close()
		if err != nil {
			os.Remove(journalPath(path))
		}
	}()

	h, err := blake2b.New256(nil)
	if err != nil {
		return fmt.Errorf("create journal digest: %w", err)
	}
	physical := io.MultiWriter(f, h)

	format := byte(journalFormatRaw)
	if compress {
		format = journalFormatZstd
	}
	if _, err = physical.Write([]byte{format}); err != nil {
		return fmt.Errorf("write journal format byte: %w", err)
	}

	var w io.Writer = physical
	var zw *zstd.Encoder
	if compress {
		zw, err = zstd.NewWriter(physical)
		if err != nil {
			return fmt.Errorf("create journal compressor: %w", err)
		}
		w = zw
	}

	var hdr [journalNodeLen]byte
	for _, run := range runs {
		binary.LittleEndian.PutUint64(hdr[0:8], run.Off)
		binary.LittleEndian.PutUint64(hdr[8:16], run.Length)
		if _, err = w.Write(hdr[:]); err != nil {
			return fmt.Errorf("write journal record header: %w", err)
		}
		if _, err = w.Write(read(run.Off, run.Length)); err != nil {
			return fmt.Errorf("write journal record body: %w", err)
		}
	}

	var eof [journalNodeLen]byte
	if _, err = w.Write(eof[:]); err != nil {
		return fmt.Errorf("write journal sentinel: %w", err)
	}

	if zw != nil {
		if err = zw.Close(); err != nil {
			return fmt.Errorf("flush journal compressor: %w", err)
		}
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("fsync journal: %w", err)
	}

	if _, err = f.Write(h.Sum(nil)); err != nil {
		return fmt.Errorf("write journal digest: %w", err)
	}

	var magic [8]byte
	binary.LittleEndian.PutUint64(magic[:], journalMagic)
	if _, err = f.Write(magic[:]); err != nil {
		return fmt.Errorf("write journal trailer: %w", err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("fsync journal trailer: %w", err)
	}

	return nil
}

// applyJournal verifies the journal file's content digest, then pwrites
// every record into the region file and fsyncs it, then removes the
// journal. write must perform a pwrite-equivalent positioned write.
func applyJournal(path string, write func(off uint64, data []byte) error, sync func() error) error {
	f, err := os.Open(journalPath(path))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat journal: %w", err)
	}
	if fi.Size() < journalMinLen {
		return newErr(ErrCorruption, "open", fmt.Errorf("journal is %d bytes, shorter than the minimum valid journal", fi.Size()))
	}
	bodyLen := fi.Size() - journalTrailerLen

	wantDigest := make([]byte, journalDigestLen)
	if _, err := f.ReadAt(wantDigest, bodyLen); err != nil {
		return fmt.Errorf("read journal digest: %w", err)
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return fmt.Errorf("create journal digest: %w", err)
	}
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, bodyLen)); err != nil {
		return fmt.Errorf("hash journal body: %w", err)
	}
	if !bytes.Equal(h.Sum(nil), wantDigest) {
		return newErr(ErrCorruption, "open", fmt.Errorf("journal content digest mismatch"))
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek journal: %w", err)
	}
	body := io.LimitReader(f, bodyLen)

	var format [1]byte
	if _, err := io.ReadFull(body, format[:]); err != nil {
		return fmt.Errorf("read journal format byte: %w", err)
	}

	var r io.Reader = body
	if format[0] == journalFormatZstd {
		zr, err := zstd.NewReader(body)
		if err != nil {
			return fmt.Errorf("create journal decompressor: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	for {
		var hdr [journalNodeLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return fmt.Errorf("read journal record header: %w", err)
		}
		off := binary.LittleEndian.Uint64(hdr[0:8])
		length := binary.LittleEndian.Uint64(hdr[8:16])
		if off == 0 && length == 0 {
			break
		}

		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read journal record body: %w", err)
		}
		if err := write(off, buf); err != nil {
			return fmt.Errorf("apply journal record at %d: %w", off, err)
		}
	}

	if err := sync(); err != nil {
		return fmt.Errorf("fsync recovered region: %w", err)
	}
	return os.Remove(journalPath(path))
}

// recoverJournal checks for a journal file with a valid trailing magic and,
// if present, replays it into path before Open maps the region. A journal
// missing its trailer (a crash mid-write) is discarded instead of applied,
// since its last record may be truncated. applyJournal additionally
// verifies the journal's content digest and returns ErrCorruption if a
// journal with an intact trailer has nonetheless been damaged on disk.
func recoverJournal(path string) error {
	jf, err := os.Open(journalPath(path))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	fi, err := jf.Stat()
	if err != nil {
		jf.Close()
		return fmt.Errorf("stat journal: %w", err)
	}

	if fi.Size() < journalMinLen {
		jf.Close()
		return os.Remove(journalPath(path))
	}

	var magic [8]byte
	if _, err := jf.ReadAt(magic[:], fi.Size()-8); err != nil {
		jf.Close()
		return fmt.Errorf("read journal trailer: %w", err)
	}
	jf.Close()

	if binary.LittleEndian.Uint64(magic[:]) != journalMagic {
		return os.Remove(journalPath(path))
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open region for recovery: %w", err)
	}
	defer f.Close()

	return applyJournal(path,
		func(off uint64, data []byte) error {
			_, err := f.WriteAt(data, int64(off))
			return err
		},
		f.Sync,
	)
}
