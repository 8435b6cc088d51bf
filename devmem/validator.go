package devmem

import "fmt"

// Validator checks received bytes against the repeating sequence
// 0, 1, ..., Modulus-1, seeded by the stream's cumulative byte offset, and
// generates the same sequence for the TX side's Source. DefaultMismatchLimit
// mirrors the commented-out validate_buffer call in
// original_source/ncdevmem.c's do_server (the feature is present but never
// wired up there; SPEC_FULL.md wires it on both RX and TX).
type Validator struct {
	Modulus       byte
	MismatchLimit int

	mismatches int
}

const DefaultMismatchLimit = 20

// NewValidator returns a Validator with modulus m and the default mismatch
// threshold.
func NewValidator(m byte) *Validator {
	return &Validator{Modulus: m, MismatchLimit: DefaultMismatchLimit}
}

// Fill writes the repeating sequence into buf, seeded so that buf[0]
// continues the sequence at position streamOffset.
func (v *Validator) Fill(buf []byte, streamOffset uint64) {
	if v.Modulus == 0 {
		return
	}
	start := byte(streamOffset % uint64(v.Modulus))
	for i := range buf {
		buf[i] = byte((int(start) + i) % int(v.Modulus))
	}
}

// Check compares buf against the expected sequence starting at streamOffset,
// counting (not stopping at) mismatches. Once the cumulative mismatch count
// exceeds MismatchLimit it returns ErrValidationFailure; callers should
// treat that as fatal per spec.md §4.3's validation-mode contract.
func (v *Validator) Check(buf []byte, streamOffset uint64) error {
	if v.Modulus == 0 {
		return nil
	}
	start := byte(streamOffset % uint64(v.Modulus))
	for i, b := range buf {
		want := byte((int(start) + i) % int(v.Modulus))
		if b != want {
			v.mismatches++
		}
	}
	if v.mismatches > v.MismatchLimit {
		return fmt.Errorf("%w: %d mismatches exceeds limit %d", ErrValidationFailure, v.mismatches, v.MismatchLimit)
	}
	return nil
}

// Mismatches returns the cumulative mismatch count observed so far.
func (v *Validator) Mismatches() int { return v.mismatches }
