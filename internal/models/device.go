package models

import (
	"time"
)

// ConnState represents device connectivity state
type ConnState string

const (
	ConnStateUnknown ConnState = "UNKNOWN"
	ConnStateOnline  ConnState = "ONLINE"
	ConnStateOffline ConnState = "OFFLINE"
)

// Device represents a field scarecrow unit
type Device struct {
	ID        string    `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`

	// Metadata
	Name     string `json:"name" db:"name"`
	Location string `json:"location" db:"location"`

	// Status
	IsDisabled bool       `json:"isDisabled" db:"is_disabled"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty" db:"last_seen_at"`

	// Battery, 0-100, nil until first status report
	BatteryLevel          *float64   `json:"batteryLevel,omitempty" db:"battery_level"`
	BatteryLevelUpdatedAt *time.Time `json:"batteryLevelUpdatedAt,omitempty" db:"battery_level_updated_at"`

	// Ingest credential (bcrypt hash of the device token)
	TokenHash string `json:"-" db:"token_hash"`
}

// DeviceStatus is the liveness view returned by status queries
type DeviceStatus struct {
	DeviceID     string     `json:"deviceId"`
	State        ConnState  `json:"state"`
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`
	BatteryLevel *float64   `json:"batteryLevel,omitempty"`
}
