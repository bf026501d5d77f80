package kvm

import "unsafe"

// MaxCPUIDEntries bounds the feature descriptor buffer exchanged with the
// kernel. 128 leafs is well above what any host returns.
const MaxCPUIDEntries = 128

// Extended feature leaf carrying the RDTSCP bit the guest needs for its
// timing measurements.
const (
	CPUIDExtFeatures = 0x80000001
	CPUIDEdxRDTSCP   = 1 << 27
)

// CPUID is a kvm_cpuid2 buffer with its entry array inlined.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [MaxCPUIDEntries]CPUIDEntry2
}

// CPUIDEntry2 is one CPUID leaf.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// cpuidHeader mirrors struct kvm_cpuid2 without the flexible entry array.
// Its size is what the ioctl encoding counts.
type cpuidHeader struct {
	Nent    uint32
	Padding uint32
}

// GetSupportedCPUID fills cpuid with every feature leaf the host supports.
// Nent must be preset to the buffer capacity and is rewritten by the kernel
// to the number of valid entries.
func GetSupportedCPUID(kvmFd uintptr, cpuid *CPUID) error {
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, unsafe.Sizeof(cpuidHeader{})),
		uintptr(unsafe.Pointer(cpuid)))

	return err
}

// SetCPUID2 installs a feature descriptor set on a vCPU. The usual
// progression is GetSupportedCPUID on the device, tailor the leafs, then
// set them here.
func SetCPUID2(vcpuFd uintptr, cpuid *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetCPUID2, unsafe.Sizeof(cpuidHeader{})),
		uintptr(unsafe.Pointer(cpuid)))

	return err
}
