package models

import "time"

// Entity is an external entity (company, grant applicant) registered for a backend
type Entity struct {
	Key             string     `json:"-"` // Storage key: backend + "/" + ID
	ID              string     `json:"id"`
	Label           string     `json:"label"`
	Backend         string     `json:"backend" badgerhold:"index"`
	Processed       bool       `json:"processed"`
	LastResultCount int        `json:"last_result_count"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// EntityKey returns the storage key for an entity of a backend
func EntityKey(backend, id string) string {
	return backend + "/" + id
}

// DispatchRequest is the body of a single-entity stream call
type DispatchRequest struct {
	EntityID    string                 `json:"entityId"`
	EntityLabel string                 `json:"entityLabel,omitempty"`
	Options     map[string]interface{} `json:"options,omitempty"`
}

// BatchDispatchRequest is the body of a batch stream call
type BatchDispatchRequest struct {
	BatchSize int                    `json:"batchSize"`
	EntityIDs []string               `json:"entityIds"`
	Options   map[string]interface{} `json:"options,omitempty"`
}
