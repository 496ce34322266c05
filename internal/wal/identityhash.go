package wal

import "hash"

// identityHash64 is the degenerate hash.Hash64 used to key the overlay maps:
// since every key already IS a uint64 slot index, hashing it again buys
// nothing but cache misses. original_source's IdentityHash (a
// std::hash::Hasher that panics on anything but a single write_u64 call)
// exists purely to tell Rust's HashMap "don't re-hash this key" - the same
// instinct a Go map[uint64]V already satisfies natively, since the runtime
// special-cases integer-keyed maps. identityHash64 is kept for parity with
// the component the scanner/overlay code is grounded on and as the single
// place that documents why these maps are never WithHasher'd onto anything
// fancier.
type identityHash64 struct {
	sum   uint64
	valid bool
}

var _ hash.Hash64 = (*identityHash64)(nil)

// Write only accepts a single 8-byte little-endian chunk per Reset, mirroring
// IdentityHash's write_u64-or-panic contract. Any other usage is a
// programming error in this package, not a runtime condition callers
// should expect to recover from.
func (h *identityHash64) Write(p []byte) (int, error) {
	if h.valid || len(p) != 8 {
		panic("wal: identityHash64 only supports a single 8-byte write per Reset")
	}
	h.sum = byteOrder.Uint64(p)
	h.valid = true
	return 8, nil
}

func (h *identityHash64) Sum(b []byte) []byte {
	var buf [8]byte
	byteOrder.PutUint64(buf[:], h.sum)
	return append(b, buf[:]...)
}

func (h *identityHash64) Sum64() uint64 { return h.sum }
func (h *identityHash64) Reset()        { h.sum, h.valid = 0, false }
func (h *identityHash64) Size() int     { return 8 }
func (h *identityHash64) BlockSize() int { return 8 }

// slotKeyHash returns the uint64 key both the index and the value overlay
// maps use for a slot: the slot index itself, since each table gets its
// own inner map (see overlay.go) and slot indices are already dense
// uint64s - an identity hash of the slot is all there is.
func slotKeyHash(slot uint64) uint64 {
	var h identityHash64
	var buf [8]byte
	byteOrder.PutUint64(buf[:], slot)
	_, _ = h.Write(buf[:])
	return h.Sum64()
}
