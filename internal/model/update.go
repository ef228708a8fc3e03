package model

import "time"

// Record is the observable state emitted for one step.
type Record map[string]any

// StreamUpdate is one step's worth of results. Every update carries a full
// snapshot of the emitted observables, never a delta.
type StreamUpdate struct {
	JobID     string    `json:"job_id"`
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
	Results   []Record  `json:"results"`
}
