package domain

import "time"

// GlucoseLevel represents a single glucose measurement stored in PostgreSQL.
type GlucoseLevel struct {
	ID           int64
	UserID       string
	Timestamp    time.Time
	GlucoseValue float64
}
