package ratelimit

import "strings"

// NormalizePath collapses ID-like path segments so rate budgets apply to
// the endpoint, not to each resource. Numeric segments become :id, UUIDs
// become :uuid, long hex strings become :hash.
func NormalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		switch {
		case seg == "":
		case isNumeric(seg):
			segs[i] = ":id"
		case isUUID(seg):
			segs[i] = ":uuid"
		case isLongHex(seg):
			segs[i] = ":hash"
		}
	}
	return strings.Join(segs, "/")
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// isUUID matches the 8-4-4-4-12 hex layout without allocating.
func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		if i == 8 || i == 13 || i == 18 || i == 23 {
			if c != '-' {
				return false
			}
			continue
		}
		if !isHexDigit(byte(c)) {
			return false
		}
	}
	return true
}

func isLongHex(s string) bool {
	if len(s) < 16 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isHexDigit(s[i]) {
			return false
		}
	}
	return true
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}
