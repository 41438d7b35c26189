package common

import (
	"github.com/google/uuid"
)

// NewRunID generates a run ID. Format: run_<uuid>
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// NewJobID generates a scrape job ID. Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}
