// Package remote defines the document-store collaborator contract and its
// HTTP implementation. The cache and repository layers depend only on the
// Store interface; transport concerns stay here.
package remote

import (
	"context"
	"fmt"

	shiftcore "github.com/christiancattaneo/shift-core"
)

// Store is the remote document-store surface the core consumes.
type Store interface {
	// FetchCollection retrieves the raw JSON array payload for a collection.
	// Payload decoding is the repository layer's job so decode failures stay
	// distinguishable from transport failures.
	FetchCollection(ctx context.Context, key shiftcore.CollectionKey) ([]byte, error)

	// CreateCheckIn writes a single check-in record. Never retried by the
	// core; the idempotency key protects user-initiated retries.
	CreateCheckIn(ctx context.Context, req CheckInRequest) (shiftcore.CheckInRecord, error)
}

// CheckInRequest is the write payload for CreateCheckIn.
type CheckInRequest struct {
	IdempotencyKey string  `json:"idempotency_key"`
	UserID         string  `json:"user_id"`
	VenueID        string  `json:"venue_id"`
	VenueName      string  `json:"venue_name"`
	DistanceMeters float64 `json:"distance_meters"`
}

// Error reports a non-2xx response from the document store.
type Error struct {
	Status  int
	Op      string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote %s: status %d: %s", e.Op, e.Status, e.Message)
}
