// Package timer bounds guest execution: a per-thread one-shot timer whose
// signal can interrupt nothing but the vCPU's blocking resume call.
package timer

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nmi/l1tf/handle"
)

// sigevent mirrors the kernel's struct sigevent (64 bytes). The union
// behind the notify field starts with the target tid for SIGEV_THREAD_ID
// delivery.
type sigevent struct {
	Value  uint64 // sigval, offset 0
	Signo  int32  // offset 8
	Notify int32  // offset 12
	Tid    int32  // offset 16
	_      [11]int32
}

// itimerspec mirrors the kernel's struct itimerspec.
type itimerspec struct {
	Interval unix.Timespec
	Value    unix.Timespec
}

// SIGEV_THREAD_ID is not exported by x/sys.
const sigevThreadID = 4

// MaskSetter installs the signal set a vCPU may be interrupted by while it
// blocks in its resume call. *machine.Machine implements it.
type MaskSetter interface {
	SetSignalMask(set *unix.Sigset_t) error
}

// Timer owns one kernel timer aimed at the calling thread plus the
// signalfd used to drain already-fired instances.
type Timer struct {
	id    int32
	sigFd *handle.FD
	buf   [128]byte // one signalfd_siginfo
}

// New arms the machinery around sig: sig gets blocked for normal delivery
// on the calling thread, handed to the vCPU as the only signal that may
// interrupt its resume call, and pointed at by a CLOCK_MONOTONIC timer.
//
// The caller must be on a locked OS thread and must run the vCPU from that
// same thread; the timer targets the thread id, not the process.
func New(vcpu MaskSetter, sig unix.Signal) (*Timer, error) {
	var set unix.Sigset_t

	sigaddset(&set, sig)

	var old unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, &old); err != nil {
		return nil, fmt.Errorf("block signal %d: %w", sig, err)
	}

	// The pre-block mask has sig deliverable; installing it as the
	// KVM_RUN mask makes the resume call the one place sig lands.
	if err := vcpu.SetSignalMask(&old); err != nil {
		return nil, err
	}

	t := &Timer{}

	sevp := sigevent{
		Signo:  int32(sig),
		Notify: sigevThreadID,
		Tid:    int32(unix.Gettid()),
	}

	if _, _, errno := unix.Syscall(unix.SYS_TIMER_CREATE,
		uintptr(unix.CLOCK_MONOTONIC),
		uintptr(unsafe.Pointer(&sevp)),
		uintptr(unsafe.Pointer(&t.id))); errno != 0 {
		return nil, fmt.Errorf("timer_create: %w", errno)
	}

	// Blocked-and-pending instances of sig are read back through a
	// signalfd; delivering them for real would need mask gymnastics.
	fd, err := unix.Signalfd(-1, &set, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("signalfd: %w", err)
	}

	t.sigFd = handle.Wrap(fd, "timer signalfd")

	return t, nil
}

func sigaddset(set *unix.Sigset_t, sig unix.Signal) {
	set.Val[uint(sig-1)/64] |= 1 << (uint(sig-1) % 64)
}

// Drain consumes an already-pending timer signal. Without this, a timeout
// that fired after the previous run returned would interrupt the next
// resume immediately.
func (t *Timer) Drain() error {
	_, err := unix.Read(int(t.sigFd.Raw()), t.buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("drain timer signal: %w", err)
	}

	return nil
}

// Arm drains any stale expiry and programs a relative one-shot timeout.
// The timeout starts now; when it fires, the vCPU's resume call returns
// EINTR with the interrupted exit reason.
func (t *Timer) Arm(d time.Duration) error {
	if err := t.Drain(); err != nil {
		return err
	}

	spec := itimerspec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}

	if _, _, errno := unix.Syscall6(unix.SYS_TIMER_SETTIME,
		uintptr(t.id), 0, uintptr(unsafe.Pointer(&spec)), 0, 0, 0); errno != 0 {
		return fmt.Errorf("timer_settime: %w", errno)
	}

	return nil
}

// Close releases the signalfd. The timer itself dies with the process.
func (t *Timer) Close() {
	t.sigFd.Close()
}

// Armer programs a relative timeout.
type Armer interface {
	Arm(d time.Duration) error
}

// Runner resumes the guest until interrupted and reports its loop count.
// *machine.Machine implements it.
type Runner interface {
	RunCounting() (uint64, error)
}

// Bound measures how much guest work fits inside d: arm, run until the
// signal interrupts the resume call, read back the guest's counter.
func Bound(a Armer, r Runner, d time.Duration) (uint64, error) {
	if err := a.Arm(d); err != nil {
		return 0, err
	}

	return r.RunCounting()
}
