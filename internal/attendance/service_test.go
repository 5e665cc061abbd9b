package attendance

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kineapp/internal/geo"
)

// fakeStore implements the repository interfaces in memory for service tests.
type fakeStore struct {
	boxes   []Box
	qrs     []QRCode
	records []Record

	getByIDCalls int
}

func (f *fakeStore) List(ctx context.Context) ([]Box, error) {
	return f.boxes, nil
}

func (f *fakeStore) GetByName(ctx context.Context, name string) (*Box, error) {
	for i := range f.boxes {
		if f.boxes[i].Name == name {
			return &f.boxes[i], nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetByID(ctx context.Context, id string) (*Box, error) {
	f.getByIDCalls++
	for i := range f.boxes {
		if f.boxes[i].ID == id {
			return &f.boxes[i], nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Insert(ctx context.Context, qr QRCode) (QRCode, error) {
	for i := range f.qrs {
		if f.qrs[i].BoxID == qr.BoxID && f.qrs[i].ScheduledAt == qr.ScheduledAt && f.qrs[i].Active {
			return QRCode{}, duplicateSchedule(&f.qrs[i])
		}
	}
	qr.ID = uuid.NewString()
	qr.Active = true
	qr.CreatedAt = time.Now().UTC()
	f.qrs = append(f.qrs, qr)
	return qr, nil
}

func (f *fakeStore) ActiveByCode(ctx context.Context, code string) (*ValidatedQR, error) {
	for i := range f.qrs {
		if f.qrs[i].Code == code && f.qrs[i].Active {
			v := ValidatedQR{QR: f.qrs[i]}
			for _, b := range f.boxes {
				if b.ID == f.qrs[i].BoxID {
					v.BoxName = b.Name
					v.BoxDescription = b.Description
				}
			}
			return &v, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Create(ctx context.Context, code string, rec Record) (Record, error) {
	v, _ := f.ActiveByCode(ctx, code)
	if v == nil {
		return Record{}, &Error{Kind: KindNotFoundOrInactive}
	}
	rec.ID = uuid.NewString()
	rec.QRID = v.QR.ID
	rec.CreatedAt = time.Now().UTC()
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (*Record, error) {
	for i := range f.records {
		if f.records[i].ID == id {
			return &f.records[i], nil
		}
	}
	return nil, nil
}

func (f *fakeStore) listRecords(ctx context.Context, _ RecordFilter) ([]Record, error) {
	return f.records, nil
}

func (f *fakeStore) SetFeedback(ctx context.Context, id, status, feedback string) (*Record, error) {
	for i := range f.records {
		if f.records[i].ID == id {
			f.records[i].Status = status
			f.records[i].Feedback = &feedback
			return &f.records[i], nil
		}
	}
	return nil, nil
}

func (f *fakeStore) SetDistance(ctx context.Context, id string, meters *float64) error {
	for i := range f.records {
		if f.records[i].ID == id {
			f.records[i].DistanceMeters = meters
			if f.records[i].Status == StatusPending {
				f.records[i].Status = StatusRecorded
			}
		}
	}
	return nil
}

// recordLister adapts fakeStore to the RecordRepository interface; the List
// method name collides with BoxRepository on the same struct.
type recordLister struct{ *fakeStore }

func (r recordLister) List(ctx context.Context, f RecordFilter) ([]Record, error) {
	return r.fakeStore.listRecords(ctx, f)
}

func ptr(f float64) *float64 { return &f }

func newTestService(demoMode bool) (*Service, *fakeStore) {
	store := &fakeStore{
		boxes: []Box{
			{ID: "box-1", Name: "Box 1", Description: "Box de atencion 1",
				Latitude: ptr(0.0), Longitude: ptr(0.0), RadiusM: ptr(50.0)},
			{ID: "box-2", Name: "Box 2", Description: "Box de atencion 2"},
			{ID: "box-3", Name: "Box 3", Description: "no radius configured",
				Latitude: ptr(0.0), Longitude: ptr(0.0)},
		},
	}
	svc := NewService(store, store, recordLister{store}, demoMode, 0)
	return svc, store
}

func validInput(code string) RegistrationInput {
	return RegistrationInput{
		Code:            code,
		AppointmentDate: "2025-11-26",
		AppointmentTime: "10:00",
		AttentionType:   "kinesiologia",
		Procedure:       "evaluacion inicial",
	}
}

func TestIssueQRCode_GeneratesTraceableCode(t *testing.T) {
	svc, _ := newTestService(false)

	qr, err := svc.IssueQRCode(context.Background(), "Box 1", "2025-11-26T10:00:00Z")
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^QR-Box-1-[A-Z0-9]{8}$`), qr.Code)
	assert.Equal(t, "box-1", qr.BoxID)
	assert.True(t, qr.Active)
	assert.NotEmpty(t, qr.ID)
	assert.False(t, qr.CreatedAt.IsZero())
}

func TestIssueQRCode_MissingFields(t *testing.T) {
	svc, _ := newTestService(false)

	_, err := svc.IssueQRCode(context.Background(), "", "2025-11-26T10:00:00Z")
	requireKind(t, err, KindMissingField)
	assert.Equal(t, "boxName", asErr(t, err).Field)

	_, err = svc.IssueQRCode(context.Background(), "Box 1", "  ")
	requireKind(t, err, KindMissingField)
	assert.Equal(t, "scheduledAt", asErr(t, err).Field)
}

func TestIssueQRCode_BoxNotFound(t *testing.T) {
	svc, _ := newTestService(false)

	_, err := svc.IssueQRCode(context.Background(), "Box 99", "2025-11-26T10:00:00Z")
	requireKind(t, err, KindBoxNotFound)
}

func TestIssueQRCode_DuplicateReturnsWinner(t *testing.T) {
	svc, _ := newTestService(false)
	ctx := context.Background()

	first, err := svc.IssueQRCode(ctx, "Box 1", "2025-11-26T10:00:00Z")
	require.NoError(t, err)

	// Rejection is idempotent: retries keep returning the winning code,
	// never a second distinct one.
	for i := 0; i < 3; i++ {
		_, err = svc.IssueQRCode(ctx, "Box 1", "2025-11-26T10:00:00Z")
		requireKind(t, err, KindDuplicateSchedule)
		require.NotNil(t, asErr(t, err).Existing)
		assert.Equal(t, first.Code, asErr(t, err).Existing.Code)
	}

	// A different slot on the same box is fine.
	_, err = svc.IssueQRCode(ctx, "Box 1", "2025-11-26T14:00:00Z")
	assert.NoError(t, err)
}

func TestValidateQRCode_RoundTrip(t *testing.T) {
	svc, _ := newTestService(false)
	ctx := context.Background()

	qr, err := svc.IssueQRCode(ctx, "Box 1", "2025-11-26T10:00:00Z")
	require.NoError(t, err)

	v, err := svc.ValidateQRCode(ctx, qr.Code)
	require.NoError(t, err)
	assert.Equal(t, "Box 1", v.BoxName)
	assert.Equal(t, "Box de atencion 1", v.BoxDescription)
	assert.Equal(t, qr.Code, v.QR.Code)
}

func TestValidateQRCode_UnknownAndInactiveAreIndistinguishable(t *testing.T) {
	svc, store := newTestService(false)
	ctx := context.Background()

	_, err := svc.ValidateQRCode(ctx, "QR-Box-1-NOPE0000")
	requireKind(t, err, KindNotFoundOrInactive)

	qr, err := svc.IssueQRCode(ctx, "Box 1", "2025-11-26T10:00:00Z")
	require.NoError(t, err)
	store.qrs[0].Active = false

	_, err = svc.ValidateQRCode(ctx, qr.Code)
	requireKind(t, err, KindNotFoundOrInactive)
}

func TestRegisterAttendance_MissingFieldOrder(t *testing.T) {
	svc, _ := newTestService(false)
	ctx := context.Background()

	cases := []struct {
		clear string
		want  string
	}{
		{"code", "code"},
		{"date", "appointmentDate"},
		{"time", "appointmentTime"},
		{"type", "attentionType"},
		{"procedure", "procedure"},
	}
	for _, tc := range cases {
		in := validInput("QR-Box-1-AAAA1111")
		switch tc.clear {
		case "code":
			in.Code = ""
		case "date":
			in.AppointmentDate = " "
		case "time":
			in.AppointmentTime = ""
		case "type":
			in.AttentionType = "\t"
		case "procedure":
			in.Procedure = ""
		}
		_, err := svc.RegisterAttendance(ctx, in)
		requireKind(t, err, KindMissingField)
		assert.Equal(t, tc.want, asErr(t, err).Field)
	}

	// All fields missing reports the first in order.
	_, err := svc.RegisterAttendance(ctx, RegistrationInput{})
	requireKind(t, err, KindMissingField)
	assert.Equal(t, "code", asErr(t, err).Field)
}

func TestRegisterAttendance_NotFoundOrInactive(t *testing.T) {
	svc, _ := newTestService(false)

	_, err := svc.RegisterAttendance(context.Background(), validInput("QR-Box-1-NOPE0000"))
	requireKind(t, err, KindNotFoundOrInactive)
}

func TestRegisterAttendance_GeofenceRejectsOutsideRadius(t *testing.T) {
	svc, _ := newTestService(false)
	ctx := context.Background()

	qr, err := svc.IssueQRCode(ctx, "Box 1", "2025-11-26T10:00:00Z")
	require.NoError(t, err)

	// 0.0005 degrees east on the equator is about 56 m, outside the 50 m
	// radius.
	in := validInput(qr.Code)
	in.Latitude = ptr(0.0)
	in.Longitude = ptr(0.0005)

	_, err = svc.RegisterAttendance(ctx, in)
	requireKind(t, err, KindLocationOutOfRange)
	assert.InDelta(t, 55.6, asErr(t, err).DistanceMeters, 0.2)
	assert.Equal(t, 50.0, asErr(t, err).AllowedRadius)
}

func TestRegisterAttendance_GeofenceAcceptsInsideRadius(t *testing.T) {
	svc, store := newTestService(false)
	ctx := context.Background()

	qr, err := svc.IssueQRCode(ctx, "Box 1", "2025-11-26T10:00:00Z")
	require.NoError(t, err)

	in := validInput(qr.Code)
	in.Latitude = ptr(0.0)
	in.Longitude = ptr(0.0004) // ~44 m

	rec, err := svc.RegisterAttendance(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "Box 1", rec.BoxLabel)
	require.NotNil(t, rec.Latitude)
	require.NotNil(t, rec.Longitude)
	assert.Len(t, store.records, 1)
}

func TestRegisterAttendance_BoundaryIsInclusive(t *testing.T) {
	svc, store := newTestService(false)
	ctx := context.Background()

	// Pin the radius to the exact computed distance: landing on the fence
	// line is allowed, any epsilon past it is not.
	distance := geo.HaversineMeters(0, 0, 0, 0.0004)
	store.boxes[0].RadiusM = &distance

	qr, err := svc.IssueQRCode(ctx, "Box 1", "2025-11-26T10:00:00Z")
	require.NoError(t, err)

	in := validInput(qr.Code)
	in.Latitude = ptr(0.0)
	in.Longitude = ptr(0.0004)
	_, err = svc.RegisterAttendance(ctx, in)
	assert.NoError(t, err)

	in.Longitude = ptr(0.00041)
	_, err = svc.RegisterAttendance(ctx, in)
	requireKind(t, err, KindLocationOutOfRange)
}

func TestRegisterAttendance_DefaultRadiusApplies(t *testing.T) {
	svc, _ := newTestService(false)
	ctx := context.Background()

	// Box 3 has a point but no radius; the 50 m default applies.
	qr, err := svc.IssueQRCode(ctx, "Box 3", "2025-11-26T10:00:00Z")
	require.NoError(t, err)

	in := validInput(qr.Code)
	in.Latitude = ptr(0.0)
	in.Longitude = ptr(0.0005)

	_, err = svc.RegisterAttendance(ctx, in)
	requireKind(t, err, KindLocationOutOfRange)
	assert.Equal(t, 50.0, asErr(t, err).AllowedRadius)
}

func TestRegisterAttendance_UnconfiguredBoxBypassesGeofence(t *testing.T) {
	svc, _ := newTestService(false)
	ctx := context.Background()

	// Box 2 has no stored point, so any coordinates pass.
	qr, err := svc.IssueQRCode(ctx, "Box 2", "2025-11-26T10:00:00Z")
	require.NoError(t, err)

	in := validInput(qr.Code)
	in.Latitude = ptr(-33.4489)
	in.Longitude = ptr(-70.6693)

	rec, err := svc.RegisterAttendance(ctx, in)
	require.NoError(t, err)
	assert.NotNil(t, rec.Latitude)
}

func TestRegisterAttendance_DemoModeSkipsDistanceEntirely(t *testing.T) {
	svc, store := newTestService(true)
	ctx := context.Background()

	qr, err := svc.IssueQRCode(ctx, "Box 1", "2025-11-26T10:00:00Z")
	require.NoError(t, err)

	in := validInput(qr.Code)
	in.Latitude = ptr(48.8566) // Paris, nowhere near Box 1
	in.Longitude = ptr(2.3522)

	_, err = svc.RegisterAttendance(ctx, in)
	require.NoError(t, err)
	assert.Zero(t, store.getByIDCalls, "demo mode must not even resolve the box")
}

func TestRegisterAttendance_HalfPointIsIgnored(t *testing.T) {
	svc, _ := newTestService(false)
	ctx := context.Background()

	qr, err := svc.IssueQRCode(ctx, "Box 1", "2025-11-26T10:00:00Z")
	require.NoError(t, err)

	in := validInput(qr.Code)
	in.Latitude = ptr(89.0) // longitude missing

	rec, err := svc.RegisterAttendance(ctx, in)
	require.NoError(t, err)
	assert.Nil(t, rec.Latitude)
	assert.Nil(t, rec.Longitude)
}

func TestRegisterAttendance_ModuleLabelWinsOverBoxName(t *testing.T) {
	svc, _ := newTestService(false)
	ctx := context.Background()

	qr, err := svc.IssueQRCode(ctx, "Box 1", "2025-11-26T10:00:00Z")
	require.NoError(t, err)

	in := validInput(qr.Code)
	in.ModuleLabel = "Modulo Kinesiologia"

	rec, err := svc.RegisterAttendance(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "Modulo Kinesiologia", rec.BoxLabel)
}

func TestReviewRecord(t *testing.T) {
	svc, _ := newTestService(false)
	ctx := context.Background()

	qr, err := svc.IssueQRCode(ctx, "Box 2", "2025-11-26T10:00:00Z")
	require.NoError(t, err)
	rec, err := svc.RegisterAttendance(ctx, validInput(qr.Code))
	require.NoError(t, err)

	reviewed, err := svc.ReviewRecord(ctx, rec.ID, StatusReviewed, "buen procedimiento")
	require.NoError(t, err)
	assert.Equal(t, StatusReviewed, reviewed.Status)
	require.NotNil(t, reviewed.Feedback)
	assert.Equal(t, "buen procedimiento", *reviewed.Feedback)

	_, err = svc.ReviewRecord(ctx, "no-such-record", StatusObserved, "x")
	requireKind(t, err, KindNotFoundOrInactive)

	_, err = svc.ReviewRecord(ctx, rec.ID, "approved", "x")
	requireKind(t, err, KindMissingField)
}

func TestCheckLocation(t *testing.T) {
	svc, _ := newTestService(false)
	ctx := context.Background()

	check, err := svc.CheckLocation(ctx, "box-1", 0, 0.0004)
	require.NoError(t, err)
	assert.True(t, check.Valid)
	assert.Equal(t, "Box 1", check.BoxName)
	assert.Equal(t, 50.0, check.AllowedRadius)

	check, err = svc.CheckLocation(ctx, "box-1", 0, 0.0005)
	require.NoError(t, err)
	assert.False(t, check.Valid)
	assert.InDelta(t, 55.6, check.DistanceMeters, 0.2)

	// The probe treats a box without coordinates as a configuration error,
	// unlike the registration path.
	_, err = svc.CheckLocation(ctx, "box-2", 0, 0)
	requireKind(t, err, KindMissingField)

	_, err = svc.CheckLocation(ctx, "box-99", 0, 0)
	requireKind(t, err, KindBoxNotFound)
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "code is required", missingField("code").Error())
	assert.True(t, strings.Contains(outOfRange(56, 50).Error(), "56"))
	assert.True(t, strings.Contains(outOfRange(56, 50).Error(), "50"))
}

func requireKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, asErr(t, err).Kind)
}

func asErr(t *testing.T, err error) *Error {
	t.Helper()
	var attErr *Error
	require.True(t, errors.As(err, &attErr))
	return attErr
}
