// Package types contains wire and API shapes shared across adapters.
package types

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/okian/rollcall/internal/domain/model"
)

// Envelope is the JSON frame sent to live subscribers.
type Envelope struct {
	Type model.EventType `json:"type"`
	Data json.RawMessage `json:"data"`
}

// UserRef is the subject embedded in event payloads.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EventPayload is the data of both event types. Fields that do not apply to
// a type are omitted.
type EventPayload struct {
	User       UserRef  `json:"user"`
	Confidence *float64 `json:"confidence,omitempty"`
	Timestamp  string   `json:"timestamp"`
	RecordID   string   `json:"record_id,omitempty"`
	Message    string   `json:"message,omitempty"`
	Manual     bool     `json:"manual,omitempty"`
}

// EncodeEvent renders e as a wire envelope.
func EncodeEvent(e model.Event) ([]byte, error) {
	var p EventPayload
	switch ev := e.(type) {
	case model.FaceDetected:
		c := ev.Confidence
		p = EventPayload{
			User:       UserRef{ID: string(ev.Identity), Name: ev.Name},
			Confidence: &c,
			Timestamp:  ev.ObservedAt.UTC().Format(time.RFC3339Nano),
		}
	case model.AttendanceMarked:
		p = EventPayload{
			User:      UserRef{ID: string(ev.Identity), Name: ev.Name},
			Timestamp: ev.MarkedAt.UTC().Format(time.RFC3339Nano),
			RecordID:  string(ev.RecordID),
			Message:   ev.Message,
			Manual:    ev.Manual,
		}
		if !ev.Manual {
			c := ev.Confidence
			p.Confidence = &c
		}
	default:
		return nil, fmt.Errorf("unsupported event %T", e)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: e.Type(), Data: data})
}

// DecodeEvent parses a wire envelope back into a model event.
func DecodeEvent(b []byte) (model.Event, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	var p EventPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	var conf float64
	if p.Confidence != nil {
		conf = *p.Confidence
	}
	switch env.Type {
	case model.EventFaceDetected:
		return model.FaceDetected{
			Identity:   model.Identity(p.User.ID),
			Name:       p.User.Name,
			Confidence: conf,
			ObservedAt: ts,
		}, nil
	case model.EventAttendanceMarked:
		return model.AttendanceMarked{
			Identity:   model.Identity(p.User.ID),
			Name:       p.User.Name,
			Confidence: conf,
			MarkedAt:   ts,
			RecordID:   model.RecordID(p.RecordID),
			Message:    p.Message,
			Manual:     p.Manual,
		}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", env.Type)
}

// UserSummary is a user with attendance counts, as listed by GET /api/users.
type UserSummary struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Email           string    `json:"email,omitempty"`
	Role            string    `json:"role"`
	ImagePath       string    `json:"image_path,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	TotalAttendance int       `json:"total_attendance"`
	PresentDays     int       `json:"present_days"`
	LateDays        int       `json:"late_days"`
	AbsentDays      int       `json:"absent_days"`
}

// Stats is today's dashboard summary.
type Stats struct {
	TotalUsers     int     `json:"totalUsers"`
	PresentToday   int     `json:"presentToday"`
	LateToday      int     `json:"lateToday"`
	AbsentToday    int     `json:"absentToday"`
	AttendanceRate float64 `json:"attendanceRate"`
}

// WeeklyDay is one weekday bucket of GET /api/attendance/weekly.
type WeeklyDay struct {
	Day     string `json:"day"`
	Present int    `json:"present"`
	Late    int    `json:"late"`
	Absent  int    `json:"absent"`
}

// AttendanceEntry is one row of GET /api/attendance.
type AttendanceEntry struct {
	ID         string   `json:"id"`
	UserID     string   `json:"user_id"`
	Name       string   `json:"name"`
	Role       string   `json:"role"`
	Timestamp  string   `json:"timestamp"`
	Status     string   `json:"status"`
	Confidence *float64 `json:"confidence"`
}

// FromView converts a joined record to its API shape.
func FromView(v model.AttendanceView) AttendanceEntry {
	return AttendanceEntry{
		ID:         string(v.ID),
		UserID:     string(v.Identity),
		Name:       v.Name,
		Role:       string(v.Role),
		Timestamp:  v.MarkedAt.UTC().Format(time.RFC3339),
		Status:     string(v.Status),
		Confidence: v.Confidence,
	}
}

// RecognitionStatus is the response of GET /api/recognition/status.
type RecognitionStatus struct {
	Running         bool    `json:"running"`
	IntervalMS      int64   `json:"interval_ms"`
	CooldownSeconds float64 `json:"cooldown_seconds"`
	ActiveCooldowns int64   `json:"active_cooldowns"`
	Subscribers     int     `json:"subscribers"`
	Cycles          int64   `json:"cycles"`
	Accepted        int64   `json:"accepted"`
	Rejected        int64   `json:"rejected"`
	NoDetection     int64   `json:"no_detection"`
	StorageFailed   int64   `json:"storage_failed"`
	Skipped         int64   `json:"skipped"`
}

// CycleResult is the response of POST /api/recognition/cycle.
type CycleResult struct {
	Outcome    string   `json:"outcome"`
	User       *UserRef `json:"user,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	RecordID   string   `json:"record_id,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// CreateUserRequest registers a user. Image is set from a multipart upload.
type CreateUserRequest struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Role  string    `json:"role"`
	Image io.Reader `json:"-"`
}

// MarkRequest is the body of POST /api/attendance/mark.
type MarkRequest struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// MarkResponse acknowledges a manual mark. Override is true when the user
// was still inside their cooldown window.
type MarkResponse struct {
	Message  string          `json:"message"`
	Record   AttendanceEntry `json:"record"`
	Override bool            `json:"override"`
}
