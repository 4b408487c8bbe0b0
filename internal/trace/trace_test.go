package trace

import (
	"bytes"
	"strings"
	"testing"
)

func TestRingRecord(t *testing.T) {
	r, err := NewRing(4)
	if err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Fatalf("fresh ring length %d", r.Len())
	}

	r.Record(Record{Core: 0, Reason: 10, Rip: 0x1000, Qual: 1})
	r.Record(Record{Core: 1, Reason: 18, Rip: 0x2000, Qual: 2})
	if r.Len() != 2 {
		t.Fatalf("length %d, want 2", r.Len())
	}

	got := r.Snapshot()
	if len(got) != 2 || got[0].Reason != 10 || got[1].Reason != 18 {
		t.Fatalf("snapshot %+v", got)
	}
}

func TestRingWraparound(t *testing.T) {
	r, err := NewRing(3)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		r.Record(Record{Reason: uint16(i), Rip: uint64(i)})
	}
	if r.Len() != 3 {
		t.Fatalf("length %d, want capacity 3", r.Len())
	}

	// The three most recent records, oldest first.
	got := r.Snapshot()
	want := []uint16{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("snapshot length %d, want %d", len(got), len(want))
	}
	for i, rec := range got {
		if rec.Reason != want[i] {
			t.Fatalf("snapshot[%d].Reason = %d, want %d", i, rec.Reason, want[i])
		}
	}
}

func TestRingReset(t *testing.T) {
	r, _ := NewRing(2)
	r.Record(Record{Reason: 1})
	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("length %d after reset", r.Len())
	}
}

func TestNewRingInvalid(t *testing.T) {
	if _, err := NewRing(0); err == nil {
		t.Fatal("zero capacity must fail")
	}
}

func TestNilRing(t *testing.T) {
	var r *Ring
	r.Record(Record{})
	if r.Len() != 0 {
		t.Fatal("nil ring has records")
	}
	if r.Snapshot() != nil {
		t.Fatal("nil ring snapshot not nil")
	}
	r.Reset()
}

func TestDrainRoundTrip(t *testing.T) {
	r, _ := NewRing(8)
	want := []Record{
		{Core: 0, Reason: 10, Rip: 0xFFFF_8000_0000_1000, Qual: 0},
		{Core: 3, Reason: 48, Rip: 0xFFFF_8000_0000_1003, Qual: 0xDEAD_BEEF},
	}
	for _, rec := range want {
		r.Record(rec)
	}

	var buf bytes.Buffer
	if err := r.Drain(&buf); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Fatal("drain did not reset the ring")
	}

	got, err := ReadDump(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("%d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestReadDumpBadMagic(t *testing.T) {
	if _, err := ReadDump(strings.NewReader("not a trace stream")); err == nil {
		t.Fatal("bad magic accepted")
	}
}

func TestReadDumpTruncated(t *testing.T) {
	r, _ := NewRing(2)
	r.Record(Record{Reason: 1})
	var buf bytes.Buffer
	if err := r.Drain(&buf); err != nil {
		t.Fatal(err)
	}
	short := buf.Bytes()[:buf.Len()-4]
	if _, err := ReadDump(bytes.NewReader(short)); err == nil {
		t.Fatal("truncated stream accepted")
	}
}
