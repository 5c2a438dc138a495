package worker

import (
	"hash/fnv"
	"math/rand"
)

// sequenceRNG returns the sampling RNG for one sequence.
//
// Derivation:
//   - non-zero seed: seed XOR fnv1a64(prompt), so the same seed and prompt
//     always sample the same completion
//   - zero seed: fnv1a64(sequence ID), so concurrent sequences draw
//     independent streams
//
// Thread-safety: the returned RNG is owned by one SequenceState.
func sequenceRNG(seed int64, id string, prompt []int) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewSource(fnv1a64(id)))
	}
	return rand.New(rand.NewSource(seed ^ hashTokens(prompt)))
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}

// hashTokens computes a 64-bit FNV-1a hash over a token sequence.
func hashTokens(tokens []int) int64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, t := range tokens {
		v := uint64(t)
		for i := range buf {
			buf[i] = byte(v >> (8 * i))
		}
		h.Write(buf[:])
	}
	return int64(h.Sum64())
}
