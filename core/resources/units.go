package resources

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// =============================================================================
// Amount Parsing & Formatting
// =============================================================================
//
// Resource amounts cross the API boundary as human-readable strings
// ("100MB", "1Gbps", "4 units") and are converted to canonical units before
// any arithmetic: bytes for memory/storage, Mbps for network, plain units
// for compute. Size suffixes use binary multiples under SI names, matching
// the display convention: 1GB = 1024MB, so 1GB minus 100MB reads back as
// 924MB. Formatting back to strings happens only at read boundaries.

// ParseAmount parses a human-readable amount for the given resource type
// into canonical units.
func ParseAmount(typ ResourceType, s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	switch typ {
	case ResourceMemory, ResourceStorage:
		return parseBytes(s)
	case ResourceNetwork:
		return parseBandwidth(s)
	case ResourceCompute:
		return parseUnits(s)
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPool, typ)
	}
}

// FormatAmount renders canonical units back to the human-readable form
// used at the read boundary.
func FormatAmount(typ ResourceType, v int64) string {
	switch typ {
	case ResourceMemory, ResourceStorage:
		return formatBytes(v)
	case ResourceNetwork:
		return formatBandwidth(v)
	case ResourceCompute:
		return fmt.Sprintf("%d units", v)
	default:
		return strconv.FormatInt(v, 10)
	}
}

// binarySuffixes maps SI-style size suffixes onto their IEC equivalents
// before handing off to humanize, which treats KB/MB/GB as decimal.
var binarySuffixes = map[string]string{
	"KB": "KiB",
	"MB": "MiB",
	"GB": "GiB",
	"TB": "TiB",
	"PB": "PiB",
}

func parseBytes(s string) (int64, error) {
	upper := strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	for si, iec := range binarySuffixes {
		if strings.HasSuffix(upper, si) {
			upper = strings.TrimSuffix(upper, si) + iec
			break
		}
	}

	v, err := humanize.ParseBytes(upper)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(v), nil
}

func formatBytes(v int64) string {
	if v < 0 {
		return "-" + formatBytes(-v)
	}

	const unit = 1024
	if v < unit {
		return fmt.Sprintf("%dB", v)
	}

	div, exp := int64(unit), 0
	for n := v / unit; n >= unit && exp < 4; n /= unit {
		div *= unit
		exp++
	}

	value := float64(v) / float64(div)
	suffix := []string{"KB", "MB", "GB", "TB", "PB"}[exp]
	if value == float64(int64(value)) {
		return fmt.Sprintf("%d%s", int64(value), suffix)
	}
	return fmt.Sprintf("%.1f%s", value, suffix)
}

func parseBandwidth(s string) (int64, error) {
	compact := strings.ToLower(strings.ReplaceAll(s, " ", ""))

	multiplier := float64(1)
	switch {
	case strings.HasSuffix(compact, "gbps"):
		compact = strings.TrimSuffix(compact, "gbps")
		multiplier = 1000
	case strings.HasSuffix(compact, "mbps"):
		compact = strings.TrimSuffix(compact, "mbps")
	}

	value, err := strconv.ParseFloat(compact, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("invalid bandwidth %q: negative", s)
	}
	return int64(value * multiplier), nil
}

func formatBandwidth(v int64) string {
	if v >= 1000 && v%1000 == 0 {
		return fmt.Sprintf("%dGbps", v/1000)
	}
	return fmt.Sprintf("%dMbps", v)
}

func parseUnits(s string) (int64, error) {
	compact := strings.ToLower(strings.ReplaceAll(s, " ", ""))
	for _, suffix := range []string{"units", "unit", "cores", "core"} {
		if strings.HasSuffix(compact, suffix) {
			compact = strings.TrimSuffix(compact, suffix)
			break
		}
	}

	value, err := strconv.ParseInt(compact, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid compute amount %q: %w", s, err)
	}
	return value, nil
}
