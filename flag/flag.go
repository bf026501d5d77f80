package flag

import (
	"strconv"
	"time"
)

type CLI struct {
	Leak  LeakCMD  `cmd:"" help:"Leak host physical memory through the L1 cache."`
	Timer TimerCMD `cmd:"" help:"Measure how much guest work fits inside a timeout."`
	Probe CMD      `cmd:"" help:"Report KVM capabilities relevant to the leak."`
}

type LeakCMD struct {
	Dev            string `default:"/dev/kvm" help:"Path of the kvm device."`
	CPUProfile     bool   `help:"Write a CPU profile for the leak run."`
	PageOffsetBase string `arg:"" help:"Kernel direct-map base (page_offset_base), any base."`
	PhysAddr       string `arg:"" help:"First physical address to leak, any base."`
	PrimeCPU       int    `arg:"" help:"CPU to pin the cache primer to (victim's hyperthread sibling)."`
	VictimCPU      int    `arg:"" help:"CPU to pin the vCPU thread to."`
	Size           string `arg:"" optional:"" default:"256" help:"Number of bytes to leak."`
}

type TimerCMD struct {
	Dev    string        `default:"/dev/kvm" help:"Path of the kvm device."`
	First  time.Duration `default:"1ms" help:"First timeout to bound the guest with."`
	Second time.Duration `default:"2ms" help:"Second timeout to bound the guest with."`
}

type CMD struct {
	Dev string `default:"/dev/kvm" help:"Path of the kvm device."`
}

// ParseNum parses an address or size in any base strconv understands,
// 0x-prefixed hex included.
func ParseNum(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}
