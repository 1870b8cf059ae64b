package config

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var isoDurationRe = regexp.MustCompile(`^P(?:(\d+(?:\.\d+)?)Y)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)W)?(?:(\d+(?:\.\d+)?)D)?(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// seconds per designator, in match-group order; years and months are nominal
var isoUnits = []float64{
	365 * 24 * 3600,
	30 * 24 * 3600,
	7 * 24 * 3600,
	24 * 3600,
	3600,
	60,
	1,
}

// ParseISODuration parses an ISO-8601 duration such as "PT15M" or "P1DT12H".
// An empty value, "never", or a value too large for time.Duration (the
// "maximum value" convention) all mean never and yield zero.
func ParseISODuration(raw string) (time.Duration, error) {
	value := strings.ToUpper(strings.TrimSpace(raw))
	if value == "" || value == "NEVER" {
		return 0, nil
	}
	m := isoDurationRe.FindStringSubmatch(value)
	if m == nil || value == "P" || strings.HasSuffix(value, "T") {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", raw)
	}

	var total float64
	for i, unit := range isoUnits {
		part := m[i+1]
		if part == "" {
			continue
		}
		n, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", raw, err)
		}
		total += n * unit
	}

	if total*float64(time.Second) >= math.MaxInt64 {
		return 0, nil
	}
	d := time.Duration(total * float64(time.Second))
	if d <= 0 {
		return 0, fmt.Errorf("ISO-8601 duration %q must be positive", raw)
	}
	return d, nil
}

// FormatISODuration renders d as PTnHnMnS; zero renders as empty (never).
func FormatISODuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("PT")
	h := int64(d / time.Hour)
	d -= time.Duration(h) * time.Hour
	m := int64(d / time.Minute)
	d -= time.Duration(m) * time.Minute
	if h > 0 {
		fmt.Fprintf(&b, "%dH", h)
	}
	if m > 0 {
		fmt.Fprintf(&b, "%dM", m)
	}
	if d > 0 || (h == 0 && m == 0) {
		b.WriteString(strconv.FormatFloat(d.Seconds(), 'f', -1, 64))
		b.WriteString("S")
	}
	return b.String()
}
