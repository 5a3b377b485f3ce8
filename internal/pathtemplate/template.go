// Package pathtemplate implements the small, closed-vocabulary template
// engine used to compute each clip's remote path (spec.md §6, §9). It is
// deliberately not a general templating library: spec.md §9 directs a
// purpose-built engine limited to six symbols plus a trailing strftime
// format directive, with unknown symbols rejected at startup as a
// configuration error.
package pathtemplate

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
)

// field names recognized inside {...}.
const (
	fieldEventStart       = "event.start"
	fieldEventEnd         = "event.end"
	fieldEventID          = "event.id"
	fieldCameraName       = "camera_name"
	fieldDetectionType    = "detection_type"
	fieldDurationSeconds  = "duration_seconds"
)

var timestampFields = map[string]bool{
	fieldEventStart: true,
	fieldEventEnd:   true,
}

var knownFields = map[string]bool{
	fieldEventStart:      true,
	fieldEventEnd:        true,
	fieldEventID:         true,
	fieldCameraName:      true,
	fieldDetectionType:   true,
	fieldDurationSeconds: true,
}

// DefaultTemplate is spec.md §6's documented default.
const DefaultTemplate = `{camera_name}/{event.start:%Y-%m-%d}/{event.end:%Y-%m-%dT%H-%M-%S} {detection_type}.mp4`

type segment struct {
	literal string // used when field == ""
	field   string
	format  string // strftime layout, only set for timestamp fields
}

// Template is a compiled, validated path template.
type Template struct {
	segments []segment
}

// Compile parses raw and validates every {field} or {field:FORMAT} token
// against the closed vocabulary. An unknown field, or a :FORMAT suffix on a
// non-timestamp field, is a configuration error (spec.md §7: fatal, exit
// 200).
func Compile(raw string) (*Template, error) {
	var segs []segment
	i := 0
	for i < len(raw) {
		open := strings.IndexByte(raw[i:], '{')
		if open == -1 {
			segs = append(segs, segment{literal: raw[i:]})
			break
		}
		open += i
		if open > i {
			segs = append(segs, segment{literal: raw[i:open]})
		}
		close := strings.IndexByte(raw[open:], '}')
		if close == -1 {
			return nil, fmt.Errorf("file-structure-format: unterminated '{' at offset %d", open)
		}
		close += open
		token := raw[open+1 : close]
		if token == "" {
			return nil, fmt.Errorf("file-structure-format: empty {} at offset %d", open)
		}

		field := token
		format := ""
		if idx := strings.IndexByte(token, ':'); idx >= 0 {
			field = token[:idx]
			format = token[idx+1:]
		}

		if !knownFields[field] {
			return nil, fmt.Errorf("file-structure-format: unknown field %q", field)
		}
		if format != "" && !timestampFields[field] {
			return nil, fmt.Errorf("file-structure-format: field %q does not accept a :FORMAT suffix", field)
		}

		segs = append(segs, segment{field: field, format: format})
		i = close + 1
	}
	return &Template{segments: segs}, nil
}

// Data is the set of values substituted into a compiled Template.
type Data struct {
	EventID         string
	CameraName      string
	DetectionType   string
	StartTS         time.Time
	EndTS           time.Time
	DurationSeconds float64
	Location        *time.Location // NVR-local timezone for timestamp fields
}

// Render produces the remote path for data. It never errors: Compile has
// already rejected anything Render could not handle.
func (t *Template) Render(data Data) string {
	var b strings.Builder
	loc := data.Location
	if loc == nil {
		loc = time.UTC
	}
	for _, s := range t.segments {
		if s.field == "" {
			b.WriteString(s.literal)
			continue
		}
		switch s.field {
		case fieldEventID:
			b.WriteString(data.EventID)
		case fieldCameraName:
			b.WriteString(sanitizePathSegment(data.CameraName))
		case fieldDetectionType:
			b.WriteString(data.DetectionType)
		case fieldDurationSeconds:
			b.WriteString(strconv.FormatFloat(data.DurationSeconds, 'f', -1, 64))
		case fieldEventStart:
			writeTimestamp(&b, data.StartTS.In(loc), s.format)
		case fieldEventEnd:
			writeTimestamp(&b, data.EndTS.In(loc), s.format)
		}
	}
	return b.String()
}

func writeTimestamp(w io.Writer, t time.Time, format string) {
	if format == "" {
		format = "%Y-%m-%dT%H:%M:%S"
	}
	// strftime.Format never errors for a writer that never errors.
	_ = strftime.Format(w, format, t)
}

// sanitizePathSegment strips path separators a camera's display name could
// otherwise smuggle into the remote object key.
func sanitizePathSegment(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_")
	return r.Replace(name)
}
