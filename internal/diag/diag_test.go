package diag

import (
	"bufio"
	"encoding/json"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, s string) []Entry {
	t.Helper()
	var out []Entry
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		if sc.Text() == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode entry: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func TestLogger_Record_AssignsIncreasingSeq(t *testing.T) {
	var buf strings.Builder
	l := New(&buf)

	if err := l.Record(KindSetupFatal, "failed to spawn %q", "/bin/app"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record(KindObjectRecoverable, "cfi compile failed for %s", "/lib/libc.so"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries := decodeLines(t, buf.String())
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Seq != 1 || entries[1].Seq != 2 {
		t.Errorf("seqs = %d, %d, want 1, 2", entries[0].Seq, entries[1].Seq)
	}
	if entries[0].Kind != KindSetupFatal {
		t.Errorf("entries[0].Kind = %q, want %q", entries[0].Kind, KindSetupFatal)
	}
	if entries[0].Message != `failed to spawn "/bin/app"` {
		t.Errorf("entries[0].Message = %q", entries[0].Message)
	}
}

func TestLogger_RecordOnce_DedupesByKey(t *testing.T) {
	var buf strings.Builder
	l := New(&buf)

	for i := 0; i < 5; i++ {
		if err := l.RecordOnce("unsupported-row:0x1000", KindSampleSilent, "unsupported CFI row at %#x", 0x1000); err != nil {
			t.Fatalf("RecordOnce: %v", err)
		}
	}
	if err := l.RecordOnce("unsupported-row:0x2000", KindSampleSilent, "unsupported CFI row at %#x", 0x2000); err != nil {
		t.Fatalf("RecordOnce: %v", err)
	}

	entries := decodeLines(t, buf.String())
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2 (one per distinct key)", len(entries))
	}
}

func TestLogger_Close_NoopWithoutOpen(t *testing.T) {
	var buf strings.Builder
	l := New(&buf)
	if err := l.Close(); err != nil {
		t.Errorf("Close() on a New()-constructed Logger = %v, want nil", err)
	}
}
