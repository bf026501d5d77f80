package machine

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// DumpInstruction renders the guest instruction at rip for exit
// diagnostics. An unexpected exit reason usually means the guest wandered
// off the single expected path; seeing what it was about to execute beats
// staring at a bare reason code.
func DumpInstruction(code []byte, rip uint64) string {
	if rip >= uint64(len(code)) {
		return fmt.Sprintf("rip=%#x outside the payload", rip)
	}

	inst, err := x86asm.Decode(code[rip:], 64)
	if err != nil {
		return fmt.Sprintf("rip=%#x: undecodable: %v", rip, err)
	}

	return fmt.Sprintf("rip=%#x: %s", rip, x86asm.GNUSyntax(inst, rip, nil))
}
