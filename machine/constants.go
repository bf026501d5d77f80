package machine

// Register bits needed to put the vCPU straight into 64-bit mode.
//
// golang style would want all caps in these acronyms; the x86 manuals win.
const (
	// CR0 bits.
	CR0xPE = 1 << 0
	CR0xMP = 1 << 1
	CR0xET = 1 << 4
	CR0xWP = 1 << 16
	CR0xPG = 1 << 31

	// CR4 bits.
	CR4xPAE = 1 << 5

	// EFER bits.
	EFERxLME = 1 << 8
	EFERxLMA = 1 << 10

	// RFLAGS bit 1 is reserved and always reads as set.
	rflagsReserved = 1 << 1
)

const (
	// Long-mode register state, exactly the encoding the vCPU enters
	// 64-bit mode with: paging on, write protect, PAE, long mode
	// enabled and active.
	longModeCR0  = CR0xPG | CR0xWP | CR0xET | CR0xMP | CR0xPE // 0x80010013
	longModeCR4  = CR4xPAE                                    // 0x00000020
	longModeEFER = EFERxLME | EFERxLMA                        // 0x00000500

	// Flat 64-bit code and data segment descriptors.
	codeSegmentType = 0x9b // execute/read, accessed
	dataSegmentType = 0x93 // read/write, accessed
	codeSelector    = 0x08
	dataSelector    = 0x10
)

// ResultPort is the I/O port the guest reports one sample through. The
// access is always a 4-byte out.
const (
	ResultPort = 0
	resultSize = 4
)
