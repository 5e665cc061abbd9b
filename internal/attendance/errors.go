package attendance

import "fmt"

// ErrorKind classifies every failure the service can return. Handlers switch
// on the kind exhaustively; anything else is a bug.
type ErrorKind string

const (
	KindMissingField       ErrorKind = "missing_field"
	KindBoxNotFound        ErrorKind = "box_not_found"
	KindDuplicateSchedule  ErrorKind = "duplicate_schedule"
	KindNotFoundOrInactive ErrorKind = "not_found_or_inactive"
	KindLocationOutOfRange ErrorKind = "location_out_of_range"
	KindStoreUnavailable   ErrorKind = "store_unavailable"
)

// Error is the single error type crossing the service boundary. Store error
// detail stays in the wrapped cause and is logged server-side, never returned
// to callers.
type Error struct {
	Kind ErrorKind

	// Field names the first missing required input (KindMissingField).
	Field string

	// Existing is the active code that won the schedule slot
	// (KindDuplicateSchedule).
	Existing *QRCode

	// DistanceMeters and AllowedRadius describe a failed geofence check
	// (KindLocationOutOfRange).
	DistanceMeters float64
	AllowedRadius  float64

	cause error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindMissingField:
		return fmt.Sprintf("%s is required", e.Field)
	case KindBoxNotFound:
		return "box not found"
	case KindDuplicateSchedule:
		return "an active QR code already exists for this box and schedule"
	case KindNotFoundOrInactive:
		return "QR code not found or inactive"
	case KindLocationOutOfRange:
		return fmt.Sprintf("outside allowed area: distance %.0fm, allowed radius %.0fm", e.DistanceMeters, e.AllowedRadius)
	case KindStoreUnavailable:
		return "store unavailable"
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

func missingField(field string) *Error {
	return &Error{Kind: KindMissingField, Field: field}
}

func duplicateSchedule(existing *QRCode) *Error {
	return &Error{Kind: KindDuplicateSchedule, Existing: existing}
}

func outOfRange(distance, radius float64) *Error {
	return &Error{Kind: KindLocationOutOfRange, DistanceMeters: distance, AllowedRadius: radius}
}

// storeUnavailable wraps a failed database round trip. Transactions roll back
// before this is returned, so callers may retry safely.
func storeUnavailable(cause error) *Error {
	return &Error{Kind: KindStoreUnavailable, cause: cause}
}
