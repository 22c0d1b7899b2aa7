// Package bytesize parses and renders the human-readable byte counts used
// throughout the NLDS configuration, such as batch size limits ("500GB")
// and chunk sizes ("5Mi"). Binary suffixes (Ki, Mi, Gi, Ti) scale by 1024,
// decimal ones (K/KB, M/MB, G/GB, T/TB) by 1000; a bare number is bytes.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	kb  int64 = 1000
	kib int64 = 1024
)

// Parse converts a size string into a byte count. The numeric part may be
// fractional ("1.5Gi"); the result is truncated to whole bytes.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
		i++
	}
	numStr := s[:i]
	unit := strings.TrimSpace(s[i:])
	if numStr == "" {
		return 0, fmt.Errorf("size %q has no numeric part", s)
	}
	mult, err := multiplier(unit)
	if err != nil {
		return 0, err
	}
	if strings.Contains(numStr, ".") {
		f, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return 0, fmt.Errorf("size %q malformed: %w", s, err)
		}
		return int64(f * float64(mult)), nil
	}
	n, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q malformed: %w", s, err)
	}
	return n * mult, nil
}

func multiplier(unit string) (int64, error) {
	switch strings.ToLower(unit) {
	case "", "b":
		return 1, nil
	case "k", "kb":
		return kb, nil
	case "m", "mb":
		return kb * kb, nil
	case "g", "gb":
		return kb * kb * kb, nil
	case "t", "tb":
		return kb * kb * kb * kb, nil
	case "ki", "kib":
		return kib, nil
	case "mi", "mib":
		return kib * kib, nil
	case "gi", "gib":
		return kib * kib * kib, nil
	case "ti", "tib":
		return kib * kib * kib * kib, nil
	}
	return 0, fmt.Errorf("unknown size unit %q", unit)
}

// Format renders a byte count with the largest fitting binary unit.
func Format(n int64) string {
	switch {
	case n >= kib*kib*kib*kib:
		return fmt.Sprintf("%.2fTi", float64(n)/float64(kib*kib*kib*kib))
	case n >= kib*kib*kib:
		return fmt.Sprintf("%.2fGi", float64(n)/float64(kib*kib*kib))
	case n >= kib*kib:
		return fmt.Sprintf("%.2fMi", float64(n)/float64(kib*kib))
	case n >= kib:
		return fmt.Sprintf("%.2fKi", float64(n)/float64(kib))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
