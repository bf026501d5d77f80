// Package probe reports the KVM facts the leak depends on.
package probe

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/nmi/l1tf/handle"
	"github.com/nmi/l1tf/kvm"
)

// KVM prints the device's API version and whether the host exposes the
// extended-feature CPUID leaf carrying RDTSCP, which the guest payload
// fences its timing reads with.
func KVM(dev string) error {
	f, err := handle.Open(dev, unix.O_RDWR)
	if err != nil {
		return err
	}
	defer f.Close()

	version, err := kvm.GetAPIVersion(f.Raw())
	if err != nil {
		return err
	}

	fmt.Printf("KVM API version: %d (want %d)\n", version, kvm.APIVersion)

	cpuid := kvm.CPUID{Nent: kvm.MaxCPUIDEntries}
	if err := kvm.GetSupportedCPUID(f.Raw(), &cpuid); err != nil {
		return err
	}

	found := false

	for i := 0; i < int(cpuid.Nent); i++ {
		e := &cpuid.Entries[i]
		if e.Function != kvm.CPUIDExtFeatures {
			continue
		}

		found = true

		if e.Edx&kvm.CPUIDEdxRDTSCP != 0 {
			fmt.Println("RDTSCP: supported")
		} else {
			fmt.Println("RDTSCP: advertised leaf lacks it, enabling it for the vCPU anyway")
		}
	}

	if !found {
		fmt.Printf("RDTSCP: CPUID leaf %#x missing, leak timing will not work\n", kvm.CPUIDExtFeatures)
	}

	return nil
}
