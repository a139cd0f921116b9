package shiftcore

import (
	"fmt"
	"time"
)

// CollectionKey identifies one locally cached collection of records.
// Distinct keys never share storage.
type CollectionKey string

const (
	CollectionMembers     CollectionKey = "members"
	CollectionEvents      CollectionKey = "events"
	CollectionPlaces      CollectionKey = "places"
	CollectionUserProfile CollectionKey = "user_profile"
	CollectionCheckIns    CollectionKey = "check_ins"
)

// TTLUnbounded marks a collection whose cache entries never expire on their
// own and are removed only by explicit invalidation.
const TTLUnbounded time.Duration = 0

// AllCollectionKeys returns every known collection key in a stable order.
func AllCollectionKeys() []CollectionKey {
	return []CollectionKey{
		CollectionMembers,
		CollectionEvents,
		CollectionPlaces,
		CollectionUserProfile,
		CollectionCheckIns,
	}
}

// ParseCollectionKey parses and validates a collection key string.
func ParseCollectionKey(s string) (CollectionKey, error) {
	k := CollectionKey(s)
	switch k {
	case CollectionMembers, CollectionEvents, CollectionPlaces, CollectionUserProfile, CollectionCheckIns:
		return k, nil
	default:
		return "", fmt.Errorf("unknown collection key %q", s)
	}
}

// String returns the wire form of the key.
func (k CollectionKey) String() string {
	return string(k)
}

// StorageKey returns the byte-store key under which the collection blob is
// persisted. Format: collection/{key}
func (k CollectionKey) StorageKey() string {
	return "collection/" + string(k)
}

// DefaultTTL returns the default time-to-live for a collection's cache
// entries. The user profile is unbounded and invalidated manually.
func DefaultTTL(k CollectionKey) time.Duration {
	switch k {
	case CollectionMembers:
		return time.Hour
	case CollectionEvents:
		return 30 * time.Minute
	case CollectionPlaces:
		return time.Hour
	case CollectionUserProfile:
		return TTLUnbounded
	case CollectionCheckIns:
		return 30 * time.Minute
	default:
		return 30 * time.Minute
	}
}

// CurrentSchema returns the compiled-in schema version for a collection's
// record payload. Cached entries written under a different version are
// discarded as a miss rather than decoded across versions.
func CurrentSchema(k CollectionKey) uint32 {
	switch k {
	case CollectionPlaces:
		return SchemaPlaces
	case CollectionMembers:
		return SchemaMembers
	case CollectionEvents:
		return SchemaEvents
	case CollectionUserProfile:
		return SchemaUserProfile
	case CollectionCheckIns:
		return SchemaCheckIns
	default:
		return 0
	}
}
