package models

import (
	"time"

	"github.com/google/uuid"
)

// Alert represents a dispatched notification triggered by a rule match
type Alert struct {
	ID       uuid.UUID `json:"id" db:"id"`
	DeviceID string    `json:"deviceId" db:"device_id"`

	Rule    string    `json:"rule" db:"rule"`
	Message string    `json:"message" db:"message"`
	FiredAt time.Time `json:"firedAt" db:"fired_at"`

	Details Payload `json:"details,omitempty" db:"details"`
}
