package models

import (
	"time"

	"github.com/google/uuid"
)

// Event represents an immutable log entry. Once appended it is never
// mutated; ordering key is (Timestamp, Seq).
type Event struct {
	ID       uuid.UUID `json:"id" db:"id"`
	DeviceID string    `json:"deviceId" db:"device_id"`

	Category EventCategory `json:"category" db:"category"`
	Severity Severity      `json:"severity" db:"severity"`

	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Seq       uint64    `json:"seq" db:"seq"`

	Description string  `json:"description" db:"description"`
	Payload     Payload `json:"payload,omitempty" db:"payload"`
}

// EventCategory represents event categories
type EventCategory string

const (
	CategoryHeartbeat          EventCategory = "HEARTBEAT"
	CategoryMotion             EventCategory = "MOTION"
	CategoryBirdDetection      EventCategory = "BIRD_DETECTION"
	CategoryConnectivityChange EventCategory = "CONNECTIVITY_CHANGE"
	CategoryBatteryLow         EventCategory = "BATTERY_LOW"
	CategorySystemUpdate       EventCategory = "SYSTEM_UPDATE"
	CategoryCameraSnapshot     EventCategory = "CAMERA_SNAPSHOT"
)

// KnownCategory reports whether c is one of the defined categories
func KnownCategory(c EventCategory) bool {
	switch c {
	case CategoryHeartbeat, CategoryMotion, CategoryBirdDetection,
		CategoryConnectivityChange, CategoryBatteryLow,
		CategorySystemUpdate, CategoryCameraSnapshot:
		return true
	}
	return false
}

// Severity represents event severity
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityAlert Severity = "ALERT"
)

// Payload keys shared between the gateway, tracker and aggregation
const (
	PayloadSpecies = "species"
	PayloadCount   = "count"
	PayloadBattery = "battery"
	PayloadState   = "state"
)

// Species returns the species label of a bird detection event
func (e *Event) Species() string {
	return e.Payload.String(PayloadSpecies)
}

// BirdCount returns the detected bird count of a bird detection event
func (e *Event) BirdCount() int {
	return e.Payload.Int(PayloadCount)
}
