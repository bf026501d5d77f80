// Package guest carries the machine-code blobs mapped read-only at
// guest-physical 0, one per experiment. The blobs are immutable assets;
// nothing in this repository generates or patches them at runtime.
package guest

const pageSize = 4096

// leakPayload is a stand-in for the externally assembled measurement
// gadget. The production gadget (built outside this repository, like the
// counting blob) takes the victim guest-virtual address in RDI, performs
// the transient read behind fault suppression and reports per-bit cache
// timing verdicts. These bytes honor only the reporting half of that
// contract: they touch no memory, so they can never fault, and they
// report zero sureness, which the reconstructor correctly reads as "no
// confident bits".
//
// Calling convention, host side (stand-in and production gadget alike):
//
//	entry    RIP = 0, RFLAGS = 2, RDI = victim guest-virtual address
//	exit     out to port 0, dword: R9 = raw leaked value,
//	         R11 = per-bit sureness mask
//
// Disassembly:
//
//	 0:  45 31 c9             xor    %r9d,%r9d          # no value
//	 3:  45 31 db             xor    %r11d,%r11d        # no sure bits
//	 6:  31 c0                xor    %eax,%eax
//	 8:  66 ba 00 00          mov    $0x0,%dx
//	 c:  ef                   out    %eax,(%dx)         # report one sample
//	 d:  eb f1                jmp    0
var leakPayload = []byte{
	0x45, 0x31, 0xc9,
	0x45, 0x31, 0xdb,
	0x31, 0xc0,
	0x66, 0xba, 0x00, 0x00,
	0xef,
	0xeb, 0xf1,
}

// countPayload is the timer experiment's guest: a register-only counting
// loop that never exits on its own. The armed timer signal is the only way
// out of KVM_RUN, and RAX holds the iteration count the host reads back.
//
// Disassembly:
//
//	 0:  48 31 c0             xor    %rax,%rax
//	 3:  48 ff c0             inc    %rax               # one rep
//	 6:  eb fb                jmp    3
var countPayload = []byte{
	0x48, 0x31, 0xc0,
	0x48, 0xff, 0xc0,
	0xeb, 0xfb,
}

func padded(blob []byte) []byte {
	p := make([]byte, pageSize)
	copy(p, blob)

	return p
}

// LeakPayload returns the leak-mode blob padded to a whole page, so the
// page tables can sit in guest-physical memory directly behind it.
func LeakPayload() []byte {
	return padded(leakPayload)
}

// CountingPayload returns the timer-mode counting loop, page padded the
// same way.
func CountingPayload() []byte {
	return padded(countPayload)
}
