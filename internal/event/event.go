// Package event defines the normalized Event and Camera value types that
// flow through the backup pipeline, and the eligibility predicate applied
// before an event is ever queued for download.
package event

import (
	"strings"
	"time"
)

// Type is one of the detection categories the NVR can report.
type Type string

const (
	TypeMotion  Type = "motion"
	TypePerson  Type = "person"
	TypeVehicle Type = "vehicle"
	TypeRing    Type = "ring"
)

// AllTypes is the full set of detection types the agent understands.
var AllTypes = []Type{TypeMotion, TypePerson, TypeVehicle, TypeRing}

// ParseType normalizes a free-form detection-type string from config or the
// NVR adapter into a Type. Unknown strings are returned as-is (lower-cased)
// so config validation can reject them explicitly rather than silently
// dropping events of a type nobody asked to exclude.
func ParseType(s string) Type {
	return Type(strings.ToLower(strings.TrimSpace(s)))
}

// Event is an immutable, self-contained detection interval reported by the
// NVR. event_id is opaque and only guaranteed unique within a single NVR.
type Event struct {
	ID               string
	CameraID         string
	Type             Type
	SmartDetectTypes []string
	StartTS          time.Time
	EndTS            time.Time // zero value means "not yet ended"
}

// Ended reports whether the event has a closed time interval.
func (e Event) Ended() bool {
	return !e.EndTS.IsZero()
}

// Duration is end - start. Callers must only call this once Ended() is true.
func (e Event) Duration() time.Duration {
	return e.EndTS.Sub(e.StartTS)
}

// Eligibility holds the configured filters an Event is checked against.
type Eligibility struct {
	DetectionTypes  map[Type]bool
	IgnoredCameras  map[string]bool
	MaxClipDuration time.Duration
}

// Eligible reports whether e passes every filter in §3 of the spec:
// detection-type allow-list, camera ignore-list, a closed time interval,
// and a bounded duration.
func (el Eligibility) Eligible(e Event) bool {
	if e.StartTS.IsZero() {
		return false
	}
	if !e.Ended() {
		return false
	}
	if e.EndTS.Before(e.StartTS) {
		return false
	}
	if len(el.DetectionTypes) > 0 && !el.DetectionTypes[e.Type] {
		return false
	}
	if el.IgnoredCameras[e.CameraID] {
		return false
	}
	maxDur := el.MaxClipDuration
	if maxDur <= 0 {
		maxDur = 2 * time.Hour
	}
	return e.Duration() <= maxDur
}

// Camera is the mutable metadata the backup agent needs for path
// formatting: display name and the NVR's local timezone offset.
type Camera struct {
	ID       string
	Name     string
	TZOffset time.Duration // offset east of UTC, e.g. -5h
}

// Location returns a fixed-offset *time.Location suitable for rendering
// path-template timestamps in the NVR's local time.
func (c Camera) Location() *time.Location {
	return time.FixedZone(c.ID+"-tz", int(c.TZOffset.Seconds()))
}
