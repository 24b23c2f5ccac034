package types

// IsValidAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsValidAddress(s string) bool {
	return isHexID(s, 40)
}

// IsValidChannelID reports whether s is a 0x-prefixed 32-byte hex identifier
// as issued by the custody contract.
func IsValidChannelID(s string) bool {
	return isHexID(s, 64)
}

// IsValidContextID reports whether s can serve as an external context
// identifier (a post id). Context ids are opaque but bounded.
func IsValidContextID(s string) bool {
	return len(s) > 0 && len(s) <= 128
}

func isHexID(s string, hexLen int) bool {
	if len(s) != hexLen+2 || s[0] != '0' || s[1] != 'x' {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
