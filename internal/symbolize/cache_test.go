package symbolize

import (
	"testing"

	"github.com/tripwire/flamewalk/internal/objreg"
)

func TestCache_Resolve_UnmappedAddressIsUnknown(t *testing.T) {
	reg := objreg.New(8)
	c := NewCache(reg)

	if f := c.Resolve(0xdeadbeef); f.Symbol != "[unknown]" {
		t.Errorf("Resolve(unmapped) = %+v, want [unknown]", f)
	}
}

func TestCache_Resolve_NonRegularObjectIsUnknown(t *testing.T) {
	reg := objreg.New(8)
	if _, err := reg.Register("[vdso]", objreg.KindVDSO, nil, 0x7000, 0x7000, 0x8000); err != nil {
		t.Fatalf("Register: %v", err)
	}
	c := NewCache(reg)

	if f := c.Resolve(0x7010); f.Symbol != "[unknown]" {
		t.Errorf("Resolve(vdso address) = %+v, want [unknown]", f)
	}
}

func TestCache_Resolve_UnreadableObjectFailsClosedAndCaches(t *testing.T) {
	reg := objreg.New(8)
	if _, err := reg.Register("/nonexistent/path/to/binary", objreg.KindRegular, nil, 0x1000, 0x1000, 0x2000); err != nil {
		t.Fatalf("Register: %v", err)
	}
	c := NewCache(reg)

	f1 := c.Resolve(0x1010)
	if f1.Symbol != "[unknown]" {
		t.Errorf("first Resolve = %+v, want [unknown]", f1)
	}

	// Second call should hit the cached failure, not attempt to reopen
	// the file again; behavior is the same either way, but this guards
	// against a panic on repeated misses.
	f2 := c.Resolve(0x1020)
	if f2.Symbol != "[unknown]" {
		t.Errorf("second Resolve = %+v, want [unknown]", f2)
	}
}
