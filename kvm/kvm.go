package kvm

import "unsafe"

// Command numbers used by this tool, from linux/kvm.h.
const (
	kvmGetAPIVersion       = 0x00
	kvmCreateVM            = 0x01
	kvmGetVCPUMMapSize     = 0x04
	kvmGetSupportedCPUID   = 0x05
	kvmCreateVCPU          = 0x41
	kvmSetUserMemoryRegion = 0x46
	kvmRun                 = 0x80
	kvmGetRegs             = 0x81
	kvmSetRegs             = 0x82
	kvmGetSregs            = 0x83
	kvmSetSregs            = 0x84
	kvmSetSignalMask       = 0x8b
	kvmSetCPUID2           = 0x90
)

// APIVersion is the stable KVM API version. KVM_GET_API_VERSION has
// returned 12 since Linux 2.6.22 and the API contract says it always will.
const APIVersion = 12

// GetAPIVersion returns the KVM API version of the device.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM creates a VM and returns its control fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CreateVCPU creates a vCPU with the given APIC id and returns its fd.
func CreateVCPU(vmFd uintptr, apicID int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(apicID))
}

// GetVCPUMMmapSize returns the size of the shared kvm_run state that must
// be mmap'd from each vCPU fd.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// Run resumes the vCPU. The call blocks until the guest exits or until a
// signal unblocked by the installed signal mask arrives, in which case the
// error is EINTR and the shared exit reason reads EXITINTR.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmRun), 0)

	return err
}

// SignalMask is kvm_signal_mask with the 8-byte kernel sigset inlined.
// The kernel insists on Len == 8 for native 64-bit callers.
type SignalMask struct {
	Len    uint32
	Sigset [8]byte
}

// SetSignalMask installs the signal mask the vCPU thread runs under while
// blocked in KVM_RUN. Signals unblocked there, and only there, interrupt
// the resume call without being delivered to the thread.
func SetSignalMask(vcpuFd uintptr, mask *SignalMask) error {
	// The encoded size counts struct kvm_signal_mask alone; the sigset
	// behind it is a flexible array member.
	_, err := Ioctl(vcpuFd, IIOW(kvmSetSignalMask, 4), uintptr(unsafe.Pointer(mask)))

	return err
}

// RunData is the kvm_run state shared with the kernel through the per-vCPU
// mapping. The exit union is kept as raw words and decoded per exit reason.
type RunData struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]uint8
	ExitReason             uint32
	ReadyForInterruptInj   uint8
	IfFlag                 uint8
	_                      [2]uint8
	CR8                    uint64
	ApicBase               uint64
	Data                   [32]uint64
}

// IO decodes the exit union for EXITIO: direction, access size in bytes,
// port, repeat count, and the data offset within the shared mapping.
func (r *RunData) IO() (uint64, uint64, uint64, uint64, uint64) {
	direction := r.Data[0] & 0xFF
	size := (r.Data[0] >> 8) & 0xFF
	port := (r.Data[0] >> 16) & 0xFFFF
	count := (r.Data[0] >> 32) & 0xFFFFFFFF
	offset := r.Data[1]

	return direction, size, port, count, offset
}
