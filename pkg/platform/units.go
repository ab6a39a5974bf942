package platform

import (
	"fmt"
	"strconv"
	"strings"
)

// byteSuffixes maps the SI/binary suffixes §6 recognizes for host RAM and
// disk capacities to their multiplier in bytes.
var byteSuffixes = []struct {
	suffix string
	factor float64
}{
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"GB", 1e9},
	{"MB", 1e6},
	{"KB", 1e3},
	{"B", 1},
}

// ParseBytes parses a byte quantity with an optional SI or binary suffix,
// e.g. "4GiB", "500MB", "1024B", or a bare number of bytes.
func ParseBytes(s string) (float64, error) {
	s = strings.TrimSpace(s)
	for _, suf := range byteSuffixes {
		if strings.HasSuffix(s, suf.suffix) {
			numPart := strings.TrimSpace(strings.TrimSuffix(s, suf.suffix))
			n, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid byte quantity %q: %w", s, err)
			}
			return n * suf.factor, nil
		}
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte quantity %q: %w", s, err)
	}
	return n, nil
}

// flopSuffixes mirrors byteSuffixes for host compute speed ("f", "Gf", ...).
var flopSuffixes = []struct {
	suffix string
	factor float64
}{
	{"Tf", 1e12},
	{"Gf", 1e9},
	{"Mf", 1e6},
	{"kf", 1e3},
	{"f", 1},
}

// ParseFlops parses a compute-rate quantity such as "1Gf" into flops/second.
func ParseFlops(s string) (float64, error) {
	s = strings.TrimSpace(s)
	for _, suf := range flopSuffixes {
		if strings.HasSuffix(s, suf.suffix) {
			numPart := strings.TrimSpace(strings.TrimSuffix(s, suf.suffix))
			n, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid flop rate %q: %w", s, err)
			}
			return n * suf.factor, nil
		}
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid flop rate %q: %w", s, err)
	}
	return n, nil
}

// bandwidthSuffixes parses link bandwidth expressed in "Bps" with SI
// prefixes, e.g. "125MBps".
var bandwidthSuffixes = []struct {
	suffix string
	factor float64
}{
	{"GBps", 1e9},
	{"MBps", 1e6},
	{"kBps", 1e3},
	{"Bps", 1},
}

// ParseBandwidth parses a link bandwidth quantity into bytes/second.
func ParseBandwidth(s string) (float64, error) {
	s = strings.TrimSpace(s)
	for _, suf := range bandwidthSuffixes {
		if strings.HasSuffix(s, suf.suffix) {
			numPart := strings.TrimSpace(strings.TrimSuffix(s, suf.suffix))
			n, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid bandwidth %q: %w", s, err)
			}
			return n * suf.factor, nil
		}
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth %q: %w", s, err)
	}
	return n, nil
}

// ParseSeconds parses a latency/time quantity expressed in seconds with an
// optional SI prefix, e.g. "100us", "5ms", "2s".
func ParseSeconds(s string) (float64, error) {
	s = strings.TrimSpace(s)
	suffixes := []struct {
		suffix string
		factor float64
	}{
		{"us", 1e-6},
		{"ms", 1e-3},
		{"s", 1},
	}
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf.suffix) {
			numPart := strings.TrimSpace(strings.TrimSuffix(s, suf.suffix))
			n, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid time quantity %q: %w", s, err)
			}
			return n * suf.factor, nil
		}
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time quantity %q: %w", s, err)
	}
	return n, nil
}
