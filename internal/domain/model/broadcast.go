package model

import "time"

// EventType names a broadcast event on the wire.
type EventType string

// Broadcast event types.
const (
	EventFaceDetected     EventType = "face_detected"
	EventAttendanceMarked EventType = "attendance_marked"
)

// Event is a broadcast event. Implementations are FaceDetected and AttendanceMarked.
type Event interface {
	Type() EventType
	Subject() Identity
}

// FaceDetected is published for every candidate, accepted or not.
type FaceDetected struct {
	Identity   Identity
	Name       string
	Confidence float64
	ObservedAt time.Time
}

func (FaceDetected) Type() EventType     { return EventFaceDetected }
func (e FaceDetected) Subject() Identity { return e.Identity }

// AttendanceMarked is published once a record has been stored.
type AttendanceMarked struct {
	Identity   Identity
	Name       string
	Confidence float64
	MarkedAt   time.Time
	RecordID   RecordID
	Message    string
	Manual     bool
}

func (AttendanceMarked) Type() EventType     { return EventAttendanceMarked }
func (e AttendanceMarked) Subject() Identity { return e.Identity }
