package shiftcore

import (
	"fmt"
	"time"
)

// Schema versions for cached record payloads. Bumped when a record type
// changes shape incompatibly; entries stored under any other version are
// treated as a cache miss, never decoded across versions.
const (
	SchemaMembers     uint32 = 1
	SchemaEvents      uint32 = 1
	SchemaPlaces      uint32 = 2
	SchemaUserProfile uint32 = 1
	SchemaCheckIns    uint32 = 1
)

// Member is a community member profile card.
type Member struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	City        string    `json:"city,omitempty"`
	Bio         string    `json:"bio,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Event is a scheduled gathering at a venue.
type Event struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	VenueID     string      `json:"venue_id"`
	VenueName   string      `json:"venue_name,omitempty"`
	Coordinates Coordinates `json:"coordinates"`
	StartsAt    time.Time   `json:"starts_at"`
	EndsAt      time.Time   `json:"ends_at,omitempty"`
	Capacity    int         `json:"capacity,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Place is a venue users can check in to. RadiusMeters bounds the area
// around Coordinates inside which a check-in is allowed.
type Place struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Coordinates  Coordinates `json:"coordinates"`
	RadiusMeters float64     `json:"radius_meters"`
	Address      string      `json:"address,omitempty"`
	City         string      `json:"city,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Profile is the signed-in user's own account record.
type Profile struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"display_name"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	City          string    `json:"city,omitempty"`
	HomeLatitude  float64   `json:"home_latitude,omitempty"`
	HomeLongitude float64   `json:"home_longitude,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CheckInRecord is a registered presence at a venue, as created by the
// remote store.
type CheckInRecord struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	VenueID        string    `json:"venue_id"`
	VenueName      string    `json:"venue_name,omitempty"`
	DistanceMeters float64   `json:"distance_meters"`
	CheckedInAt    time.Time `json:"checked_in_at"`
}

// CheckInIntent is one check-in attempt: who wants to register presence
// where. Constructed per attempt and discarded once the eligibility
// decision is rendered; never persisted.
type CheckInIntent struct {
	UserID           string      `json:"user_id"`
	VenueID          string      `json:"venue_id"`
	VenueName        string      `json:"venue_name,omitempty"`
	VenueCoordinates Coordinates `json:"venue_coordinates"`
	RadiusMeters     float64     `json:"radius_meters"`
}

// Validate reports whether the intent is well formed enough to attempt.
func (i CheckInIntent) Validate() error {
	if i.UserID == "" {
		return fmt.Errorf("check-in intent missing user id")
	}
	if i.VenueID == "" {
		return fmt.Errorf("check-in intent missing venue id")
	}
	if i.RadiusMeters <= 0 {
		return fmt.Errorf("check-in intent radius must be positive, got %v", i.RadiusMeters)
	}
	if i.VenueCoordinates.Latitude < -90 || i.VenueCoordinates.Latitude > 90 {
		return fmt.Errorf("check-in intent latitude out of range: %v", i.VenueCoordinates.Latitude)
	}
	if i.VenueCoordinates.Longitude < -180 || i.VenueCoordinates.Longitude > 180 {
		return fmt.Errorf("check-in intent longitude out of range: %v", i.VenueCoordinates.Longitude)
	}
	return nil
}
