package nostr

import "math/bits"

// PowBits returns the NIP-13 difficulty of an event id: the number of
// leading zero bits of the hex-encoded hash. Counting stops at the first
// non-hex character.
func PowBits(id string) int {
	count := 0
	for i := 0; i < len(id); i++ {
		nibble, ok := hexNibble(id[i])
		if !ok {
			return count
		}
		if nibble == 0 {
			count += 4
			continue
		}
		count += bits.LeadingZeros8(nibble) - 4
		break
	}
	return count
}

func hexNibble(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
