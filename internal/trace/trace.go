// Package trace records one fixed-size record per VM-exit into a
// preallocated ring. The exit hot path runs with the host allocator
// disabled, so recording must not allocate; draining happens after the
// hypervisor has stopped.
package trace

import (
	"encoding/binary"
	"fmt"
	"io"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

const (
	Magic   uint32 = 0x56455854 // "VEXT"
	Version uint32 = 1
)

// Record is one VM-exit observation.
type Record struct {
	Core   uint16
	Reason uint16
	Rip    uint64
	Qual   uint64
}

const recordSize = 2 + 2 + 4 + 8 + 8 // core, reason, pad, rip, qual

// Ring is a fixed-capacity exit record buffer. Writers only advance an
// atomic cursor; the ring keeps the most recent records once full.
type Ring struct {
	records []Record
	next    atomicbitops.Uint64
}

// NewRing preallocates a ring for capacity records.
func NewRing(capacity int) (*Ring, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("trace: invalid capacity %d", capacity)
	}
	return &Ring{records: make([]Record, capacity)}, nil
}

// Record stores one observation. Safe to call concurrently from multiple
// cores; never allocates.
func (r *Ring) Record(rec Record) {
	if r == nil {
		return
	}
	slot := (r.next.Add(1) - 1) % uint64(len(r.records))
	r.records[slot] = rec
}

// Len reports how many records are currently held.
func (r *Ring) Len() int {
	if r == nil {
		return 0
	}
	n := r.next.Load()
	if n > uint64(len(r.records)) {
		return len(r.records)
	}
	return int(n)
}

// Reset discards all records.
func (r *Ring) Reset() {
	if r == nil {
		return
	}
	r.next.Store(0)
}

// Snapshot returns the held records in write order, oldest first.
func (r *Ring) Snapshot() []Record {
	if r == nil {
		return nil
	}
	n := r.next.Load()
	capacity := uint64(len(r.records))
	out := make([]Record, 0, r.Len())
	if n <= capacity {
		out = append(out, r.records[:n]...)
		return out
	}
	start := n % capacity
	out = append(out, r.records[start:]...)
	out = append(out, r.records[:start]...)
	return out
}

// Drain writes a binary dump of the held records and resets the ring.
// Format: magic, version, record count, then fixed-size records, all
// little endian.
func (r *Ring) Drain(w io.Writer) error {
	records := r.Snapshot()

	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint32(hdr[4:8], Version)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(records)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("trace: write header: %w", err)
	}

	var buf [recordSize]byte
	for _, rec := range records {
		binary.LittleEndian.PutUint16(buf[0:2], rec.Core)
		binary.LittleEndian.PutUint16(buf[2:4], rec.Reason)
		binary.LittleEndian.PutUint32(buf[4:8], 0)
		binary.LittleEndian.PutUint64(buf[8:16], rec.Rip)
		binary.LittleEndian.PutUint64(buf[16:24], rec.Qual)
		if _, err := w.Write(buf[:]); err != nil {
			return fmt.Errorf("trace: write record: %w", err)
		}
	}

	r.Reset()
	return nil
}

// ReadDump parses a Drain stream back into records.
func ReadDump(rd io.Reader) ([]Record, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(rd, hdr[:]); err != nil {
		return nil, fmt.Errorf("trace: read header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != Magic {
		return nil, fmt.Errorf("trace: bad magic")
	}
	if v := binary.LittleEndian.Uint32(hdr[4:8]); v != Version {
		return nil, fmt.Errorf("trace: unsupported version %d", v)
	}
	count := binary.LittleEndian.Uint32(hdr[8:12])

	records := make([]Record, 0, count)
	var buf [recordSize]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(rd, buf[:]); err != nil {
			return nil, fmt.Errorf("trace: read record %d: %w", i, err)
		}
		records = append(records, Record{
			Core:   binary.LittleEndian.Uint16(buf[0:2]),
			Reason: binary.LittleEndian.Uint16(buf[2:4]),
			Rip:    binary.LittleEndian.Uint64(buf[8:16]),
			Qual:   binary.LittleEndian.Uint64(buf[16:24]),
		})
	}
	return records, nil
}
