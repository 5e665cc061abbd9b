package attendance

import (
	"context"
	"time"
)

// Box is a physical treatment location. Coordinates and radius are optional;
// a box without a point is never geofenced.
type Box struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	RadiusM     *float64 `json:"radius_m,omitempty"`
}

// QRCode is a single-use-per-schedule access token bound to one box.
type QRCode struct {
	ID          string    `json:"id"`
	BoxID       string    `json:"box_id"`
	Code        string    `json:"code"`
	ScheduledAt string    `json:"scheduled_at"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// ValidatedQR is a resolved token together with its box, fetched in one join.
type ValidatedQR struct {
	QR             QRCode `json:"qr"`
	BoxName        string `json:"box_name"`
	BoxDescription string `json:"box_description"`
}

// Record is one logged clinical encounter. Status moves from pending to
// recorded (worker) to reviewed/observed (supervisor feedback); the encounter
// fields themselves are never mutated.
type Record struct {
	ID              string    `json:"id"`
	QRID            string    `json:"qr_id"`
	BoxLabel        string    `json:"box_label"`
	AppointmentDate string    `json:"appointment_date"`
	AppointmentTime string    `json:"appointment_time"`
	AttentionType   string    `json:"attention_type"`
	Procedure       string    `json:"procedure"`
	PractitionerID  string    `json:"practitioner_id,omitempty"`
	Latitude        *float64  `json:"latitude,omitempty"`
	Longitude       *float64  `json:"longitude,omitempty"`
	DistanceMeters  *float64  `json:"distance_meters,omitempty"`
	Status          string    `json:"status"`
	Feedback        *string   `json:"feedback,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// RecordFilter narrows history listings. Zero values mean "no filter".
type RecordFilter struct {
	PractitionerID string
	BoxID          string
	From           string
	To             string
	Limit          int
	Offset         int
}

// BoxRepository reads the box registry. Boxes are seed data, read-only here.
type BoxRepository interface {
	List(ctx context.Context) ([]Box, error)
	GetByName(ctx context.Context, name string) (*Box, error)
	GetByID(ctx context.Context, id string) (*Box, error)
}

// QRCodeRepository persists access tokens.
type QRCodeRepository interface {
	// Insert creates a token inside one transaction, enforcing the
	// one-active-token-per-(box, schedule) invariant. On conflict it
	// returns a KindDuplicateSchedule *Error carrying the winning row.
	Insert(ctx context.Context, qr QRCode) (QRCode, error)

	// ActiveByCode resolves an active token and its box in one join;
	// returns nil when the code is unknown or deactivated.
	ActiveByCode(ctx context.Context, code string) (*ValidatedQR, error)
}

// RecordRepository persists attendance records.
type RecordRepository interface {
	// Create inserts a record after re-checking, in the same transaction,
	// that the referenced token is still active. A token deactivated since
	// validation yields a KindNotFoundOrInactive *Error and no row.
	Create(ctx context.Context, code string, rec Record) (Record, error)

	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, f RecordFilter) ([]Record, error)

	// SetFeedback stores supervisor review; returns nil when no such record.
	SetFeedback(ctx context.Context, id, status, feedback string) (*Record, error)

	// SetDistance back-fills the audited distance and promotes a pending
	// record to recorded without touching later review states.
	SetDistance(ctx context.Context, id string, meters *float64) error
}
