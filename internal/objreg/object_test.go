package objreg_test

import (
	"testing"

	"github.com/tripwire/flamewalk/internal/objreg"
)

func TestRegister_SamePathReturnsSameID(t *testing.T) {
	r := objreg.New(8)

	id1, err := r.Register("/bin/app", objreg.KindRegular, nil, 0x400000, 0x400000, 0x401000)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	id2, err := r.Register("/bin/app", objreg.KindRegular, nil, 0x500000, 0x500000, 0x501000)
	if err != nil {
		t.Fatalf("Register (second mapping): %v", err)
	}
	if id1 != id2 {
		t.Errorf("Register same path twice: got ids %d and %d, want equal", id1, id2)
	}
}

func TestRegister_CapacityExceeded(t *testing.T) {
	r := objreg.New(1)
	if _, err := r.Register("/bin/a", objreg.KindRegular, nil, 0, 0, 0x1000); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := r.Register("/bin/b", objreg.KindRegular, nil, 0x2000, 0x2000, 0x3000); err == nil {
		t.Fatal("expected capacity error on second distinct object")
	}
}

func TestLookupByVaddr(t *testing.T) {
	r := objreg.New(8)
	idA, _ := r.Register("/bin/a", objreg.KindRegular, nil, 0x400000, 0x400000, 0x401000)
	idB, _ := r.Register("/bin/b", objreg.KindRegular, nil, 0x500000, 0x500000, 0x502000)

	cases := []struct {
		va      uint64
		wantID  objreg.ObjectID
		wantRel uint64
		wantOK  bool
	}{
		{va: 0x400500, wantID: idA, wantRel: 0x500, wantOK: true},
		{va: 0x400fff, wantID: idA, wantRel: 0xfff, wantOK: true},
		{va: 0x401000, wantOK: false}, // half-open: hi is exclusive
		{va: 0x501800, wantID: idB, wantRel: 0x1800, wantOK: true},
		{va: 0x399999, wantOK: false},
		{va: 0x600000, wantOK: false},
	}

	for _, tc := range cases {
		gotID, gotRel, gotOK := r.LookupByVaddr(tc.va)
		if gotOK != tc.wantOK {
			t.Errorf("LookupByVaddr(%#x).ok = %v, want %v", tc.va, gotOK, tc.wantOK)
			continue
		}
		if !tc.wantOK {
			continue
		}
		if gotID != tc.wantID || gotRel != tc.wantRel {
			t.Errorf("LookupByVaddr(%#x) = (%d, %#x), want (%d, %#x)", tc.va, gotID, gotRel, tc.wantID, tc.wantRel)
		}
	}
}

func TestRegister_OverlapWarns(t *testing.T) {
	r := objreg.New(8)
	r.Register("/bin/a", objreg.KindRegular, nil, 0x1000, 0x1000, 0x3000)
	r.Register("/bin/b", objreg.KindRegular, nil, 0x2000, 0x2000, 0x4000)

	warnings := r.Warnings()
	if len(warnings) == 0 {
		t.Fatal("expected an overlap warning")
	}

	// Later entry (the /bin/b mapping) must win the contested range.
	id, _, ok := r.LookupByVaddr(0x2500)
	if !ok {
		t.Fatal("expected a mapping at the overlapped address")
	}
	obj := r.Object(id)
	if obj.Path != "/bin/b" {
		t.Errorf("overlap winner = %q, want /bin/b", obj.Path)
	}
}

func TestObjects_SortedByID(t *testing.T) {
	r := objreg.New(8)
	r.Register("/bin/c", objreg.KindRegular, nil, 0x3000, 0x3000, 0x3100)
	r.Register("/bin/a", objreg.KindRegular, nil, 0x1000, 0x1000, 0x1100)

	objs := r.Objects()
	if len(objs) != 2 {
		t.Fatalf("len(Objects()) = %d, want 2", len(objs))
	}
	for i := 1; i < len(objs); i++ {
		if objs[i-1].ID >= objs[i].ID {
			t.Errorf("Objects() not sorted by ID: %v", objs)
		}
	}
}

func TestKindString(t *testing.T) {
	cases := map[objreg.Kind]string{
		objreg.KindRegular:   "regular",
		objreg.KindVDSO:      "[vdso]",
		objreg.KindVsyscall:  "[vsyscall]",
		objreg.KindAnonymous: "[anonymous]",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
