package rowfmt

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// TimestampColumn is the header name of the leading timestamp field.
const TimestampColumn = "timestamp"

const (
	layoutMillis  = "2006-01-02 15:04:05.000"
	layoutSeconds = "2006-01-02 15:04:05"
)

// Descriptor is the per-log formatting policy. It is frozen by the logger
// from the first append until the log is closed.
type Descriptor struct {
	Header    []string
	LogTime   bool
	LogMillis bool
	Precision int
}

// Clone returns a deep copy of d.
func (d Descriptor) Clone() Descriptor {
	d.Header = append([]string(nil), d.Header...)
	return d
}

// HeaderLine builds the one-time header line, without a trailing newline.
func HeaderLine(d Descriptor) string {
	fields := make([]string, 0, len(d.Header)+1)
	if d.LogTime {
		fields = append(fields, TimestampColumn)
	}
	for _, h := range d.Header {
		fields = append(fields, flattenBreaks(h))
	}
	return strings.Join(fields, ",")
}

// breaks maps every line break to a single space; one row is one line.
var breaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

func flattenBreaks(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return breaks.Replace(s)
}

// Line renders one data row, without a trailing newline. Rows whose arity
// differs from the header are rendered as-is.
func Line(d Descriptor, now time.Time, row []Value) string {
	var b strings.Builder
	first := true
	sep := func() {
		if !first {
			b.WriteByte(',')
		}
		first = false
	}
	if d.LogTime {
		sep()
		b.WriteString(Timestamp(now, d.LogMillis))
	}
	for _, v := range row {
		sep()
		b.WriteString(Render(v, d.Precision))
	}
	return b.String()
}

// Timestamp formats t as yyyy-MM-dd HH:mm:ss[.zzz] in t's location.
func Timestamp(t time.Time, millis bool) string {
	if millis {
		return t.Format(layoutMillis)
	}
	return t.Format(layoutSeconds)
}

// ParseTimestamp reads a timestamp written by Timestamp, with or without
// milliseconds, in the local time zone.
func ParseTimestamp(s string) (time.Time, error) {
	layout := layoutSeconds
	if len(s) > len(layoutSeconds) {
		layout = layoutMillis
	}
	return time.ParseInLocation(layout, s, time.Local)
}

// Render formats a single value.
func Render(v Value, precision int) string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return formatFloat(v.f, precision)
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindText:
		return flattenBreaks(v.s)
	default:
		return ""
	}
}

// formatFloat rounds half away from zero on the decimal value, so 12.345 at
// two places renders as 12.35 rather than following the binary expansion.
func formatFloat(f float64, precision int) string {
	if precision < 0 {
		precision = 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	scale := math.Pow10(precision)
	scaled := f * scale
	if math.Abs(scaled) < 1<<53 {
		f = math.Round(scaled) / scale
	}
	return strconv.FormatFloat(f, 'f', precision, 64)
}
