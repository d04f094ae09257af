package roc

// Bits extracts the bit range [lsb, msb] (inclusive) from a 32-bit word.
func Bits(word uint32, lsb, msb uint) uint32 {
	return (word >> lsb) & ((1 << (msb - lsb + 1)) - 1)
}

// IsMultiple returns true if v is a positive multiple of m.
func IsMultiple(v, m uint64) bool {
	return v != 0 && v%m == 0
}
