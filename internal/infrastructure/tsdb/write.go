package tsdb

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// StatsMeasurement is the measurement controller statistics are written to.
const StatsMeasurement = "pixelblaze_stats"

// WriteDeviceStats records one statistics push from a controller.
// Points with no fields are dropped.
func (c *Client) WriteDeviceStats(device string, fields map[string]any, ts time.Time) {
	if len(fields) == 0 {
		return
	}
	c.addLine(formatLineProtocol(StatsMeasurement, map[string]string{"device": device}, fields, ts))
}

// WritePoint writes a custom point timestamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.addLine(formatLineProtocol(measurement, tags, fields, time.Now()))
}

// formatLineProtocol formats a data point as an InfluxDB line protocol string.
//
// Format: measurement,tag1=val1,tag2=val2 field1=val1,field2=val2 timestamp_ns
//
// Tags and fields are sorted so output is deterministic.
func formatLineProtocol(measurement string, tags map[string]string, fields map[string]any, t time.Time) string {
	var b strings.Builder

	b.WriteString(escapeMeasurement(measurement))

	for _, k := range slices.Sorted(maps.Keys(tags)) {
		b.WriteByte(',')
		b.WriteString(escapeTag(k))
		b.WriteByte('=')
		b.WriteString(escapeTag(tags[k]))
	}

	b.WriteByte(' ')
	for i, k := range slices.Sorted(maps.Keys(fields)) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(escapeTag(k))
		b.WriteByte('=')
		b.WriteString(formatField(fields[k]))
	}

	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(t.UnixNano(), 10))

	return b.String()
}

func formatField(v any) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case int:
		return strconv.Itoa(val) + "i"
	case int64:
		return strconv.FormatInt(val, 10) + "i"
	case uint64:
		return strconv.FormatUint(val, 10) + "i"
	case bool:
		return strconv.FormatBool(val)
	case string:
		return strconv.Quote(val)
	default:
		return strconv.Quote(fmt.Sprint(val))
	}
}

// escapeTag escapes special characters in tag keys/values per the line protocol.
// Commas, equals signs, and spaces must be backslash-escaped.
// Newlines are stripped to prevent line protocol injection.
func escapeTag(s string) string {
	return tagEscaper.Replace(s)
}

// escapeMeasurement escapes special characters in measurement names.
func escapeMeasurement(s string) string {
	return measurementEscaper.Replace(s)
}

var (
	tagEscaper = strings.NewReplacer(
		"\n", "", "\r", "",
		" ", `\ `, ",", `\,`, "=", `\=`,
	)
	measurementEscaper = strings.NewReplacer(
		"\n", "", "\r", "",
		" ", `\ `, ",", `\,`,
	)
)
