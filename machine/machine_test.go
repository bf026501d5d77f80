package machine_test

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/nmi/l1tf/guest"
	"github.com/nmi/l1tf/handle"
	"github.com/nmi/l1tf/machine"
)

func newMachine(t *testing.T) *machine.Machine {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("Skipping test: %v", err)
	}

	m, err := machine.New("/dev/kvm", guest.LeakPayload())
	if err != nil {
		t.Fatal(err)
	}

	return m
}

func TestNew(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	defer m.Close()
}

func TestPayloadMustBePageSized(t *testing.T) {
	t.Parallel()

	if _, err := machine.New("/dev/kvm", []byte{0xf4}); !errors.Is(err, machine.ErrPayloadSize) {
		t.Fatalf("have %v, want ErrPayloadSize", err)
	}
}

func TestMemoryRegionSlots(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	defer m.Close()

	// New consumed slots 0 (guest code) and 1 (page tables); further
	// registrations keep counting up.
	backing, err := handle.Anonymous(4096, "test region")
	if err != nil {
		t.Fatal(err)
	}

	defer backing.Close()

	slot, err := m.AddMemoryRegion(1<<31, backing.Bytes(), false)
	if err != nil {
		t.Fatal(err)
	}

	if slot != 2 {
		t.Errorf("have slot %d, want 2", slot)
	}

	other, err := handle.Anonymous(4096, "test region 2")
	if err != nil {
		t.Fatal(err)
	}

	defer other.Close()

	slot, err = m.AddMemoryRegion(1<<32, other.Bytes(), true)
	if err != nil {
		t.Fatal(err)
	}

	if slot != 3 {
		t.Errorf("have slot %d, want 3", slot)
	}
}

func TestMemoryRegionEmpty(t *testing.T) {
	t.Parallel()

	// The length check fires before any fd is touched, so no VM needed.
	m := &machine.Machine{}

	if _, err := m.AddMemoryRegion(0, nil, false); !errors.Is(err, machine.ErrEmptyRegion) {
		t.Fatalf("have %v, want ErrEmptyRegion", err)
	}
}

func TestMemoryRegionOverlap(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	defer m.Close()

	backing, err := handle.Anonymous(4096, "overlapping region")
	if err != nil {
		t.Fatal(err)
	}

	defer backing.Close()

	// Guest-physical 0 holds the payload already.
	if _, err := m.AddMemoryRegion(0, backing.Bytes(), false); !errors.Is(err, machine.ErrRegionOverlap) {
		t.Fatalf("have %v, want ErrRegionOverlap", err)
	}

	// Straddling the end of the payload page hits the page tables.
	if _, err := m.AddMemoryRegion(4096, backing.Bytes(), false); !errors.Is(err, machine.ErrRegionOverlap) {
		t.Fatalf("have %v, want ErrRegionOverlap", err)
	}
}

func TestDumpInstruction(t *testing.T) {
	t.Parallel()

	code := []byte{0xf4, 0x90} // hlt; nop

	if s := machine.DumpInstruction(code, 0); !strings.Contains(s, "hlt") {
		t.Errorf("have %q, want a hlt", s)
	}

	if s := machine.DumpInstruction(code, 1); !strings.Contains(s, "nop") {
		t.Errorf("have %q, want a nop", s)
	}

	if s := machine.DumpInstruction(code, 100); !strings.Contains(s, "outside") {
		t.Errorf("have %q, want out-of-payload notice", s)
	}
}
