package models

import "time"

// OutcomeDocument is one step result as stored in the outcome history index
// and carried on the Kafka topic.
type OutcomeDocument struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Suite      string    `json:"suite"`
	Step       string    `json:"step"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}
