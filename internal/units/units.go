// Package units renders raw measurement values for display according to
// the unit template of the measurement they belong to.
package units

import (
	"math"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

// Unit templates understood by Format.
const (
	None         = "none"
	Percent      = "percent"    // value is already a percentage
	Percentage   = "percentage" // value is a 0..1 fraction
	Bytes        = "B"
	KBytes       = "KB"
	MBytes       = "MB"
	GBytes       = "GB"
	Bits         = "b"
	BitsLong     = "bits"
	BytesPerSec  = "bytesPerSec"
	Nanos        = "ns"
	Micros       = "us"
	Millis       = "ms"
	Seconds      = "sec"
	EpochMillis  = "epoch-millis"
	EpochSeconds = "epoch-sec"
)

// numberDigits is the number of fractional digits kept for unitless values.
const numberDigits = 3

// Format converts value into a display string for the given unit template.
// It never fails: unknown templates fall back to the plain number followed by
// the template label.
func Format(value float64, units string) string {
	if math.IsNaN(value) {
		return "NaN"
	}
	if math.IsInf(value, 0) {
		if value > 0 {
			return "+Inf"
		}
		return "-Inf"
	}

	switch units {
	case None, "":
		return formatNumber(value)
	case Percent:
		return strconv.FormatFloat(value, 'f', 1, 64) + "%"
	case Percentage:
		return strconv.FormatFloat(value*100, 'f', 1, 64) + "%"
	case Bytes:
		return formatSize(value, 1)
	case KBytes:
		return formatSize(value, 1<<10)
	case MBytes:
		return formatSize(value, 1<<20)
	case GBytes:
		return formatSize(value, 1<<30)
	case Bits, BitsLong:
		return humanize.SIWithDigits(value, 1, "b")
	case BytesPerSec:
		return formatSize(value, 1) + "/s"
	case Nanos:
		return formatDuration(value, time.Nanosecond)
	case Micros:
		return formatDuration(value, time.Microsecond)
	case Millis:
		return formatDuration(value, time.Millisecond)
	case Seconds:
		return formatDuration(value, time.Second)
	case EpochMillis:
		return formatEpoch(value, time.Millisecond)
	case EpochSeconds:
		return formatEpoch(value, time.Second)
	default:
		return formatNumber(value) + " " + units
	}
}

// FormatPlain renders a number without any unit, as used when the unit
// template of a measurement is not known.
func FormatPlain(value float64) string {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Format(value, None)
	}
	return formatNumber(value)
}

func formatNumber(value float64) string {
	return humanize.FtoaWithDigits(value, numberDigits)
}

func formatSize(value, scale float64) string {
	b := value * scale
	sign := ""
	if b < 0 {
		sign = "-"
		b = -b
	}
	if b >= math.MaxUint64 {
		b = math.MaxUint64
	}
	return sign + humanize.IBytes(uint64(math.Round(b)))
}

func formatDuration(value float64, unit time.Duration) string {
	ns := value * float64(unit)
	var d time.Duration
	switch {
	case ns >= math.MaxInt64:
		d = time.Duration(math.MaxInt64)
	case ns <= math.MinInt64:
		d = time.Duration(math.MinInt64)
	default:
		d = time.Duration(ns)
	}
	if d >= time.Second || d <= -time.Second {
		d = d.Round(time.Millisecond)
	}
	return d.String()
}

func formatEpoch(value float64, unit time.Duration) string {
	ns := value * float64(unit)
	if ns >= math.MaxInt64 || ns <= math.MinInt64 {
		return formatNumber(value)
	}
	return time.Unix(0, int64(ns)).UTC().Format(time.RFC3339)
}
