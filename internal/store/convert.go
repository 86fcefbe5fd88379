package store

// reverse32 reverses a 32-byte hash. chainhash.Hash (and the [32]byte hash
// fields in internal/models, which are assignable to and from it) keep the
// wire (little-endian) byte order everywhere in memory and in transit; this
// engine reverses exactly once at each persistence boundary so that stored
// bytes, hex-encoded, equal the canonical display hash (DESIGN.md Open
// Question 1).
func reverse32(h [32]byte) [32]byte {
	var out [32]byte
	for i := 0; i < 32; i++ {
		out[i] = h[31-i]
	}
	return out
}

// toDBHash converts an in-memory wire-order hash into the display-order
// bytes written to a BYTEA hash column.
func toDBHash(h [32]byte) []byte {
	r := reverse32(h)
	return r[:]
}

// fromDBHash converts display-order bytes read from a BYTEA hash column
// back into a wire-order hash.
func fromDBHash(b []byte) [32]byte {
	var in [32]byte
	copy(in[:], b)
	return reverse32(in)
}

func toDBHashes(hs [][32]byte) [][]byte {
	out := make([][]byte, len(hs))
	for i, h := range hs {
		out[i] = toDBHash(h)
	}
	return out
}

func toInt32Slice[T ~int32](in []T) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}
