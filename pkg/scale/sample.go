package scale

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrNoWeightParsed is reported when read windows stop producing samples.
var ErrNoWeightParsed = errors.New("scale: no weight parsed")

var weightPattern = regexp.MustCompile(`[+-]?\d+(\.\d+)?`)

// Sample is a weight reading taken from one read window.
type Sample struct {
	Value float64
	Unit  string
	Raw   string
	Time  time.Time
}

// Grams returns the sample value converted to grams. Unknown or empty units
// are taken as grams.
func (s Sample) Grams() float64 {
	switch strings.ToLower(s.Unit) {
	case "kg":
		return s.Value * 1000
	case "mg":
		return s.Value / 1000
	default:
		return s.Value
	}
}

// ParseWeightLine extracts the first signed decimal number in line as the
// value; the trimmed text after it is the unit.
func ParseWeightLine(line string) (float64, string, bool) {
	loc := weightPattern.FindStringIndex(line)
	if loc == nil {
		return 0, "", false
	}

	value, err := strconv.ParseFloat(line[loc[0]:loc[1]], 64)
	if err != nil {
		return 0, "", false
	}

	return value, strings.TrimSpace(line[loc[1]:]), true
}

// ParseSample parses line into a Sample stamped with t.
func ParseSample(line string, t time.Time) (Sample, bool) {
	value, unit, ok := ParseWeightLine(line)
	if !ok {
		return Sample{}, false
	}
	return Sample{Value: value, Unit: unit, Raw: line, Time: t}, true
}

// EncodeBurst returns the bytes of one burst: command repeated n times.
func EncodeBurst(command string, n int) []byte {
	if n <= 0 {
		return nil
	}
	return []byte(strings.Repeat(command, n))
}
