package guest_test

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/nmi/l1tf/guest"
)

// decodeLoop walks a blob from its entry point up to and including the
// backward jump that closes the guest loop.
func decodeLoop(t *testing.T, code []byte) []x86asm.Inst {
	t.Helper()

	insts := []x86asm.Inst{}

	for pc := 0; pc < len(code); {
		inst, err := x86asm.Decode(code[pc:], 64)
		if err != nil {
			t.Fatalf("undecodable instruction at %#x: %v", pc, err)
		}

		insts = append(insts, inst)
		pc += inst.Len

		if inst.Op == x86asm.JMP {
			if rel, ok := inst.Args[0].(x86asm.Rel); !ok || rel >= 0 {
				t.Fatalf("guest loop does not close: %s",
					x86asm.GNUSyntax(inst, uint64(pc), nil))
			}

			return insts
		}
	}

	t.Fatal("no closing jump in guest blob")

	return nil
}

func TestPayloadsArePagePadded(t *testing.T) {
	t.Parallel()

	for name, code := range map[string][]byte{
		"leak":     guest.LeakPayload(),
		"counting": guest.CountingPayload(),
	} {
		if len(code) == 0 || len(code)%4096 != 0 {
			t.Errorf("%s payload is %d bytes, want a whole number of pages", name, len(code))
		}
	}
}

// The counting loop may only leave KVM_RUN through the armed timer signal,
// and RAX must survive every iteration as the rep counter.
func TestCountingPayloadOnlyCounts(t *testing.T) {
	t.Parallel()

	insts := decodeLoop(t, guest.CountingPayload())

	isRAX := func(a x86asm.Arg) bool {
		r, ok := a.(x86asm.Reg)

		return ok && (r == x86asm.RAX || r == x86asm.EAX)
	}

	// insts[0] is the one-time rep counter init; the jump closes the
	// loop over everything after it.
	for _, inst := range insts[1:] {
		switch inst.Op {
		case x86asm.OUT, x86asm.IN, x86asm.HLT:
			t.Errorf("counting loop executes %s, which forces a VM exit every iteration", inst.Op)
		case x86asm.RDTSC, x86asm.RDTSCP, x86asm.CPUID:
			t.Errorf("counting loop executes %s, which clobbers the rep counter", inst.Op)
		case x86asm.INC, x86asm.JMP:
		default:
			if isRAX(inst.Args[0]) {
				t.Errorf("counting loop overwrites the rep counter: %s", inst.Op)
			}
		}
	}
}

// The leak stand-in runs with no IDT installed, so any memory access that
// faults is a triple fault and an EXITSHUTDOWN. It must stay register-only
// and report exactly one sample per round.
func TestLeakPayloadReportsWithoutMemoryAccess(t *testing.T) {
	t.Parallel()

	outs := 0

	for _, inst := range decodeLoop(t, guest.LeakPayload()) {
		if inst.Op == x86asm.OUT {
			outs++
		}

		for _, a := range inst.Args {
			if _, ok := a.(x86asm.Mem); ok {
				t.Errorf("%s takes a memory operand", inst.Op)
			}
		}
	}

	if outs != 1 {
		t.Errorf("have %d out instructions, want exactly 1 report per round", outs)
	}
}
