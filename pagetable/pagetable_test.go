package pagetable_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/nmi/l1tf/pagetable"
)

func entry(t *pagetable.Tables, page, index int) uint64 {
	return binary.LittleEndian.Uint64(t.Bytes()[page*pagetable.PageSize+index*8:])
}

func TestUnalignedGPA(t *testing.T) {
	t.Parallel()

	if _, err := pagetable.New(4095); !errors.Is(err, pagetable.ErrUnalignedGPA) {
		t.Fatalf("have %v, want ErrUnalignedGPA", err)
	}
}

func TestHierarchyWiring(t *testing.T) {
	t.Parallel()

	const gpa = 0x1000

	tab, err := pagetable.New(gpa)
	if err != nil {
		t.Fatal(err)
	}

	defer tab.Close()

	if len(tab.Bytes()) != 4*pagetable.PageSize {
		t.Fatalf("arena is %d bytes, want %d", len(tab.Bytes()), 4*pagetable.PageSize)
	}

	const pws = 0x63 // present, writable, accessed, dirty

	for _, test := range []struct {
		name        string
		page, index int
		want        uint64
	}{
		{"PML4[0] points at PDPT", 0, 0, (gpa + 0x1000) | pws},
		{"PDPT[0] is the identity GiB page", 1, 0, pws | 0x80},
		{"PDPT[1] points at PD", 1, 1, (gpa + 0x2000) | pws},
		{"PD[0] points at PT", 2, 0, (gpa + 0x3000) | pws},
		{"PT[0] starts disarmed", 3, 0, 0},
	} {
		if have := entry(tab, test.page, test.index); have != test.want {
			t.Errorf("%s: have %#x, want %#x", test.name, have, test.want)
		}
	}

	// Everything else stays zero.
	if e := entry(tab, 0, 1); e != 0 {
		t.Errorf("PML4[1] not zero: %#x", e)
	}
}

func TestVictimEntry(t *testing.T) {
	t.Parallel()

	tab, err := pagetable.New(0x2000)
	if err != nil {
		t.Fatal(err)
	}

	defer tab.Close()

	for _, pa := range []uint64{0, 0x678, 0x12345678, 0xFFFF_FFFF_F123} {
		tab.SetVictimPA(pa)

		want := pa&^uint64(0xFFF) | 0x60
		if have := tab.VictimEntry(); have != want {
			t.Errorf("SetVictimPA(%#x): entry %#x, want %#x", pa, have, want)
		}

		// Non-present on purpose; a present victim entry would be an
		// ordinary read, not a speculative one.
		if tab.VictimEntry()&1 != 0 {
			t.Errorf("SetVictimPA(%#x): victim entry marked present", pa)
		}

		wantGVA := pa&0xFFF | 1<<30
		if have := tab.VictimGVA(pa); have != wantGVA {
			t.Errorf("VictimGVA(%#x): have %#x, want %#x", pa, have, wantGVA)
		}
	}
}
