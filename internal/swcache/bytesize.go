package swcache

import (
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

var byteUnits = map[byte]int64{
	'k': 1 << 10,
	'm': 1 << 20,
	'g': 1 << 30,
}

// parseByteSize parses "512", "64k", "64kb", "1.5g". An empty string is zero
// (no limit).
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}
	num := strings.TrimSuffix(s, "b")
	mult := int64(1)
	if num != "" {
		if m, ok := byteUnits[num[len(num)-1]]; ok {
			mult = m
			num = num[:len(num)-1]
		}
	}
	num = strings.TrimSpace(num)
	if num == "" {
		return 0, errors.Newf("invalid size %q", s)
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.Newf("invalid size %q", s)
	}
	if v < 0 {
		return 0, errors.Newf("negative size %q", s)
	}
	n := v * float64(mult)
	if n >= math.MaxInt64 {
		return 0, errors.Newf("size %q out of range", s)
	}
	return int64(n), nil
}
