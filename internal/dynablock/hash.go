package dynablock

// X31Hash computes the 32-bit X31/DJB2-family rolling checksum used to
// detect self-modifying guest code. It is a change-detection hash only,
// never a security primitive: X31 is not collision-resistant, and a
// collision (changed bytes, unchanged hash) lets validate reuse a stale
// block instead of rebuilding it.
//
// Grounded on X31_hash_code in original_source/src/dynarec/dynablock.c:
// h = bytes[0]; for each following byte: h = (h << 5) - h + byte.
func X31Hash(b []byte) uint32 {
	if len(b) == 0 {
		return 0
	}
	h := int32(b[0])
	for _, c := range b[1:] {
		h = (h << 5) - h + int32(c)
	}
	return uint32(h)
}
