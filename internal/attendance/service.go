package attendance

import (
	"context"
	"math/rand"
	"strings"

	"kineapp/internal/geo"
	"kineapp/internal/metrics"
)

// Record statuses. Pending until the worker has audited the registration,
// then recorded until a supervisor reviews.
const (
	StatusPending  = "pending"
	StatusRecorded = "recorded"
	StatusReviewed = "reviewed"
	StatusObserved = "observed"
)

// DefaultRadiusMeters applies when a box has coordinates but no radius.
const DefaultRadiusMeters = 50

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RegistrationInput carries a practitioner's attendance submission.
// AppointmentDate and AppointmentTime are opaque slot labels, validated for
// presence only.
type RegistrationInput struct {
	Code            string   `json:"code"`
	AppointmentDate string   `json:"appointment_date"`
	AppointmentTime string   `json:"appointment_time"`
	AttentionType   string   `json:"attention_type"`
	Procedure       string   `json:"procedure"`
	ModuleLabel     string   `json:"module_label"`
	Latitude        *float64 `json:"latitude"`
	Longitude       *float64 `json:"longitude"`

	PractitionerID string `json:"-"`
}

// LocationCheck is the result of a standalone geofence probe.
type LocationCheck struct {
	Valid          bool    `json:"valid"`
	BoxName        string  `json:"box_name"`
	DistanceMeters float64 `json:"distance_meters"`
	AllowedRadius  float64 `json:"allowed_radius"`
}

// Service implements QR issuance, validation and attendance registration on
// top of the repositories. It keeps no in-process state so any number of
// server processes can share the store.
type Service struct {
	boxes   BoxRepository
	qrs     QRCodeRepository
	records RecordRepository

	demoMode      bool
	defaultRadius float64
}

// NewService wires the repositories. When demoMode is true geofencing is
// skipped entirely.
func NewService(boxes BoxRepository, qrs QRCodeRepository, records RecordRepository, demoMode bool, defaultRadius float64) *Service {
	if defaultRadius <= 0 {
		defaultRadius = DefaultRadiusMeters
	}
	return &Service{
		boxes:         boxes,
		qrs:           qrs,
		records:       records,
		demoMode:      demoMode,
		defaultRadius: defaultRadius,
	}
}

// ListBoxes returns the box registry.
func (s *Service) ListBoxes(ctx context.Context) ([]Box, error) {
	return s.boxes.List(ctx)
}

// IssueQRCode creates a new access token for a box and schedule slot. At most
// one active token may exist per (box, schedule); a conflicting call gets the
// winning token back instead of a second code.
func (s *Service) IssueQRCode(ctx context.Context, boxName, scheduledAt string) (QRCode, error) {
	if strings.TrimSpace(boxName) == "" {
		return QRCode{}, missingField("boxName")
	}
	if strings.TrimSpace(scheduledAt) == "" {
		return QRCode{}, missingField("scheduledAt")
	}

	box, err := s.boxes.GetByName(ctx, boxName)
	if err != nil {
		return QRCode{}, err
	}
	if box == nil {
		return QRCode{}, &Error{Kind: KindBoxNotFound}
	}

	qr, err := s.qrs.Insert(ctx, QRCode{
		BoxID:       box.ID,
		Code:        generateCode(boxName),
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		return QRCode{}, err
	}
	metrics.QRIssued.Inc()
	return qr, nil
}

// ValidateQRCode resolves an active token and the box it is bound to. Unknown
// and deactivated codes are indistinguishable to the caller.
func (s *Service) ValidateQRCode(ctx context.Context, code string) (ValidatedQR, error) {
	if strings.TrimSpace(code) == "" {
		return ValidatedQR{}, missingField("code")
	}
	v, err := s.qrs.ActiveByCode(ctx, code)
	if err != nil {
		return ValidatedQR{}, err
	}
	if v == nil {
		return ValidatedQR{}, &Error{Kind: KindNotFoundOrInactive}
	}
	return *v, nil
}

// RegisterAttendance validates the token, enforces the geofence when
// coordinates are supplied, and inserts one record.
func (s *Service) RegisterAttendance(ctx context.Context, in RegistrationInput) (Record, error) {
	if err := requireFields(in); err != nil {
		return Record{}, err
	}

	v, err := s.qrs.ActiveByCode(ctx, in.Code)
	if err != nil {
		return Record{}, err
	}
	if v == nil {
		return Record{}, &Error{Kind: KindNotFoundOrInactive}
	}

	// Geofencing needs both coordinates; a half-supplied point is treated
	// as no point at all.
	hasPoint := in.Latitude != nil && in.Longitude != nil
	if hasPoint && !s.demoMode {
		if err := s.checkGeofence(ctx, v.QR.BoxID, *in.Latitude, *in.Longitude); err != nil {
			return Record{}, err
		}
	}

	label := strings.TrimSpace(in.ModuleLabel)
	if label == "" {
		label = v.BoxName
	}

	rec := Record{
		BoxLabel:        label,
		AppointmentDate: in.AppointmentDate,
		AppointmentTime: in.AppointmentTime,
		AttentionType:   strings.TrimSpace(in.AttentionType),
		Procedure:       strings.TrimSpace(in.Procedure),
		PractitionerID:  in.PractitionerID,
		Status:          StatusPending,
	}
	if hasPoint {
		rec.Latitude = in.Latitude
		rec.Longitude = in.Longitude
	}

	created, err := s.records.Create(ctx, in.Code, rec)
	if err != nil {
		return Record{}, err
	}
	metrics.AttendanceRegistered.Inc()
	return created, nil
}

// checkGeofence rejects coordinates farther from the box than its allowed
// radius. A box without a stored point cannot be checked and is allowed.
func (s *Service) checkGeofence(ctx context.Context, boxID string, lat, lon float64) error {
	box, err := s.boxes.GetByID(ctx, boxID)
	if err != nil {
		return err
	}
	if box == nil || box.Latitude == nil || box.Longitude == nil {
		return nil
	}

	distance := geo.HaversineMeters(lat, lon, *box.Latitude, *box.Longitude)
	radius := s.defaultRadius
	if box.RadiusM != nil {
		radius = *box.RadiusM
	}
	if distance > radius {
		metrics.GeofenceRejections.Inc()
		return outOfRange(distance, radius)
	}
	return nil
}

// CheckLocation is the standalone geofence probe. Unlike registration it
// treats a box without coordinates as a configuration error.
func (s *Service) CheckLocation(ctx context.Context, boxID string, lat, lon float64) (LocationCheck, error) {
	box, err := s.boxes.GetByID(ctx, boxID)
	if err != nil {
		return LocationCheck{}, err
	}
	if box == nil {
		return LocationCheck{}, &Error{Kind: KindBoxNotFound}
	}
	if box.Latitude == nil || box.Longitude == nil {
		return LocationCheck{}, missingField("box coordinates")
	}

	distance := geo.HaversineMeters(lat, lon, *box.Latitude, *box.Longitude)
	radius := s.defaultRadius
	if box.RadiusM != nil {
		radius = *box.RadiusM
	}
	return LocationCheck{
		Valid:          distance <= radius,
		BoxName:        box.Name,
		DistanceMeters: distance,
		AllowedRadius:  radius,
	}, nil
}

// ListRecords returns attendance history newest first.
func (s *Service) ListRecords(ctx context.Context, f RecordFilter) ([]Record, error) {
	return s.records.List(ctx, f)
}

// ReviewRecord stores supervisor feedback on a logged encounter.
func (s *Service) ReviewRecord(ctx context.Context, id, status, feedback string) (Record, error) {
	if strings.TrimSpace(id) == "" {
		return Record{}, missingField("id")
	}
	if status != StatusReviewed && status != StatusObserved {
		return Record{}, missingField("status")
	}
	rec, err := s.records.SetFeedback(ctx, id, status, feedback)
	if err != nil {
		return Record{}, err
	}
	if rec == nil {
		return Record{}, &Error{Kind: KindNotFoundOrInactive}
	}
	return *rec, nil
}

// requireFields checks required inputs in a fixed order so the caller always
// learns about the same field first.
func requireFields(in RegistrationInput) error {
	checks := []struct {
		field string
		value string
	}{
		{"code", in.Code},
		{"appointmentDate", in.AppointmentDate},
		{"appointmentTime", in.AppointmentTime},
		{"attentionType", in.AttentionType},
		{"procedure", in.Procedure},
	}
	for _, c := range checks {
		if strings.TrimSpace(c.value) == "" {
			return missingField(c.field)
		}
	}
	return nil
}

// generateCode builds a human-traceable code like QR-Box-1-7K2QX9AB. The
// suffix is for uniqueness when reading logs, not a security token.
func generateCode(boxName string) string {
	suffix := make([]byte, 8)
	for i := range suffix {
		suffix[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return "QR-" + strings.Join(strings.Fields(boxName), "-") + "-" + string(suffix)
}
