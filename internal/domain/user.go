package domain

import "time"

// Identity is an authenticated user session as exposed by the identity
// service. A zero-value Identity means "no active identity".
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// IsZero reports whether no identity is present.
func (i Identity) IsZero() bool {
	return i.ID == ""
}

// UserScoreRecord is the durable per-identity record. It is created
// lazily on the first successful reconciliation and mutated only
// through the reconciler's atomic apply.
type UserScoreRecord struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Smashes     int64     `json:"smashes"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SmashEvent is the wire form of a smash delta arriving from a remote
// device via the event pipeline.
type SmashEvent struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Count       int64     `json:"count"`
	Timestamp   time.Time `json:"timestamp"`
}
