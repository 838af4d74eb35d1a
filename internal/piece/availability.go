package piece

import (
	"github.com/bits-and-blooms/bitset"
)

// availabilityIndex buckets pieces by how many connected peers have them,
// so rarest-first selection can walk buckets in ascending order instead of
// sorting every candidate on every call. Piece membership in each bucket is
// tracked with a bitset, matching the teacher's previous manual uint64
// bitmap approach but backed by a real library instead of hand-rolled word
// arithmetic.
type availabilityIndex struct {
	pieceCount int
	count      []uint32
	buckets    []*bitset.BitSet // buckets[c] holds pieces with availability == c
}

func newAvailabilityIndex(pieceCount int) *availabilityIndex {
	a := &availabilityIndex{
		pieceCount: pieceCount,
		count:      make([]uint32, pieceCount),
		buckets:    []*bitset.BitSet{bitset.New(uint(pieceCount))},
	}
	for i := 0; i < pieceCount; i++ {
		a.buckets[0].Set(uint(i))
	}
	return a
}

func (a *availabilityIndex) bucket(c uint32) *bitset.BitSet {
	for uint32(len(a.buckets)) <= c {
		a.buckets = append(a.buckets, bitset.New(uint(a.pieceCount)))
	}
	return a.buckets[c]
}

// Inc records that one more peer now has pieceIdx.
func (a *availabilityIndex) Inc(pieceIdx int) {
	if pieceIdx < 0 || pieceIdx >= a.pieceCount {
		return
	}
	old := a.count[pieceIdx]
	a.bucket(old).Clear(uint(pieceIdx))
	a.count[pieceIdx] = old + 1
	a.bucket(old + 1).Set(uint(pieceIdx))
}

// Dec records that one fewer peer has pieceIdx (e.g. on disconnect).
func (a *availabilityIndex) Dec(pieceIdx int) {
	if pieceIdx < 0 || pieceIdx >= a.pieceCount || a.count[pieceIdx] == 0 {
		return
	}
	old := a.count[pieceIdx]
	a.bucket(old).Clear(uint(pieceIdx))
	a.count[pieceIdx] = old - 1
	a.bucket(old - 1).Set(uint(pieceIdx))
}

// Count returns the current availability of pieceIdx.
func (a *availabilityIndex) Count(pieceIdx int) uint32 {
	if pieceIdx < 0 || pieceIdx >= a.pieceCount {
		return 0
	}
	return a.count[pieceIdx]
}

// RarestFirst returns piece indices present in have, ordered by ascending
// global availability, by walking availability buckets from rarest to most
// common and intersecting each with the peer's set.
func (a *availabilityIndex) RarestFirst(have *bitset.BitSet) []uint32 {
	var order []uint32

	for c := 0; c < len(a.buckets); c++ {
		bucket := a.buckets[c]
		if bucket == nil || bucket.None() {
			continue
		}

		matched := bucket.Intersection(have)
		for i, ok := matched.NextSet(0); ok; i, ok = matched.NextSet(i + 1) {
			order = append(order, uint32(i))
		}
	}

	return order
}

// bitsetFromBitfield converts a pkg/bitfield.Bitfield into a bits-and-blooms
// BitSet so it can be intersected against availability buckets.
func bitsetFromBitfield(has func(int) bool, n int) *bitset.BitSet {
	bs := bitset.New(uint(n))
	for i := 0; i < n; i++ {
		if has(i) {
			bs.Set(uint(i))
		}
	}
	return bs
}
