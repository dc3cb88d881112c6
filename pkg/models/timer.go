package models

import "time"

// StepTimer is a persisted deadline for one (instance, step) pair.
type StepTimer struct {
	InstanceID string    `json:"instance_id" db:"instance_id"`
	StepID     string    `json:"step_id" db:"step_id"`
	StepIndex  int       `json:"step_index" db:"step_index"`
	FireAt     time.Time `json:"fire_at" db:"fire_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	// ClaimedUntil is set while a scheduler holds the timer; it can be claimed again afterwards.
	ClaimedUntil *time.Time `json:"claimed_until,omitempty" db:"claimed_until"`
}
