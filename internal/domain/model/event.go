// Package model contains domain models passed between layers.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Identity is the stable key of a registered subject.
type Identity string

// RecordID identifies a persisted attendance record.
type RecordID string

// Role of a registered subject.
type Role string

// Known roles.
const (
	RoleStudent  Role = "student"
	RoleEmployee Role = "employee"
	RoleAdmin    Role = "admin"
)

// ParseRole validates r. An empty value defaults to student.
func ParseRole(r string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(r))) {
	case "", RoleStudent:
		return RoleStudent, nil
	case RoleEmployee:
		return RoleEmployee, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("unknown role %q", r)
}

// Status of an attendance record.
type Status string

// Known statuses.
const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
)

// ParseStatus validates s. An empty value defaults to present.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case "", StatusPresent:
		return StatusPresent, nil
	case StatusLate:
		return StatusLate, nil
	case StatusAbsent:
		return StatusAbsent, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Detection is a single candidate sighting produced by a detection source.
type Detection struct {
	Identity   Identity
	Name       string
	Confidence float64 // 0..100
	ObservedAt time.Time
}

// User is a registered subject.
type User struct {
	ID        Identity
	Name      string
	Email     string
	Role      Role
	ImagePath string
	CreatedAt time.Time
}

// AttendanceRecord is an immutable attendance entry.
type AttendanceRecord struct {
	ID         RecordID
	Identity   Identity
	MarkedAt   time.Time
	Confidence *float64 // nil for manual and imported marks
	Status     Status
}

// AttendanceView is a record joined with its subject.
type AttendanceView struct {
	AttendanceRecord
	Name string
	Role Role
}
