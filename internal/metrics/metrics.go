package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QRIssued counts successfully issued QR codes.
	QRIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kineapp_qr_codes_issued_total",
		Help: "Number of QR codes issued.",
	})

	// AttendanceRegistered counts accepted attendance registrations.
	AttendanceRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kineapp_attendance_registered_total",
		Help: "Number of attendance records created.",
	})

	// GeofenceRejections counts registrations rejected for being outside
	// the box radius.
	GeofenceRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kineapp_geofence_rejections_total",
		Help: "Number of registrations rejected by the geofence check.",
	})

	// RecordsAudited counts records processed by the worker.
	RecordsAudited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kineapp_records_audited_total",
		Help: "Number of attendance records audited by the worker.",
	})
)
