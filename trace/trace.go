// Package trace reads the workload driver's trace-replay input: a
// stream of fixed-width little-endian (slot, len) records, with no
// header or checksum.
//
// Uses the encoding/binary.Read-against-bufio.Reader idiom common to
// framed binary protocol readers.
package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Record is one trace event: reallocate the blob in Slot to Len
// bytes (freeing whatever currently occupies Slot first, if live).
type Record struct {
	Slot uint32
	Len  uint32
}

// MinLen is the smallest Len a trace record is honored for; shorter
// requests are skipped as noise.
const MinLen = 128

// Reader reads framed (slot, len) records from an underlying stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next reads the next record. A read of zero bytes (io.EOF on the
// first byte of a record) is treated as the normal end of the trace;
// any other short read is a malformed trace and returns an error.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := binary.Read(r.r, binary.LittleEndian, &rec.Slot); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("trace: short read on slot field: %w", err)
	}
	if err := binary.Read(r.r, binary.LittleEndian, &rec.Len); err != nil {
		return Record{}, fmt.Errorf("trace: short read on len field: %w", err)
	}
	return rec, nil
}

// ReadAll reads every record in the trace, invoking fn for each one
// whose Len meets MinLen (shorter requests are silently skipped).
// Returns on the first error other than a clean end-of-stream.
func ReadAll(r io.Reader, fn func(Record) error) error {
	tr := NewReader(r)
	for {
		rec, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Len < MinLen {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
