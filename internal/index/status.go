// Package index builds the vector index from a committed staging snapshot.
package index

import "time"

// Build states.
const (
	StateInProgress = "in_progress"
	StateSucceeded  = "succeeded"
	StateFailed     = "failed"
)

// MetaEntryID is the reserved id of the status meta point stored alongside
// the data in the vector collection. It carries a zero vector and is
// excluded from every search.
const MetaEntryID = "__meta__#latest"

// Status is the build status document. Exactly one status is "latest" at any
// time; it is superseded on every build attempt, including failed ones.
type Status struct {
	// BuildID is the opaque token of the build attempt.
	BuildID string `json:"build_id"`

	// State is one of in_progress, succeeded, failed.
	State string `json:"state"`

	// TotalVectors is the number of record vectors upserted. After a failure
	// it holds the last successful partial count.
	TotalVectors int `json:"total_vectors"`

	// Skipped counts snapshot records with no embeddable text.
	Skipped int `json:"skipped"`

	// Collection is the vector collection name.
	Collection string `json:"collection_name"`

	// LastUpdated is the time of the last state transition.
	LastUpdated time.Time `json:"last_updated"`

	// Reason describes the failure when State is failed.
	Reason string `json:"reason,omitempty"`
}
