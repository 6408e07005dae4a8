// Package repository defines the attendance store interface, its in-memory
// implementation and the aggregations shared by every backend.
package repository

import (
	"context"
	"time"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/pkg/metrics"
)

// DefaultLimit caps attendance listings when Filter.Limit is zero.
const DefaultLimit = 100

// NewUser is the input of CreateUser.
type NewUser struct {
	Name      string
	Email     string
	Role      model.Role
	ImagePath string
}

// NewAttendance is the input of InsertAttendance.
type NewAttendance struct {
	Identity   model.Identity
	MarkedAt   time.Time
	Confidence *float64
	Status     model.Status
}

// UserSummary is a user with attendance counts by status.
type UserSummary struct {
	model.User
	Total   int
	Present int
	Late    int
	Absent  int
}

// Filter narrows Attendance. Zero fields do not filter. From is inclusive,
// To exclusive. Limit 0 means DefaultLimit, negative means unlimited.
type Filter struct {
	Identity model.Identity
	From     time.Time
	To       time.Time
	Limit    int
}

// DayFilter returns a filter covering the calendar day of day in its location.
func DayFilter(day time.Time) Filter {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return Filter{From: start, To: start.AddDate(0, 0, 1)}
}

// Store provides read/write access to users and attendance.
type Store interface {
	// CreateUser registers a user. Returns ErrConflict if the name is taken.
	CreateUser(ctx context.Context, u NewUser) (model.User, error)
	// User returns ErrNotFound for unknown ids.
	User(ctx context.Context, id model.Identity) (model.User, error)
	UserByName(ctx context.Context, name string) (model.User, error)
	// EnsureUser returns the user named name, creating a student if missing.
	EnsureUser(ctx context.Context, name string) (u model.User, created bool, err error)
	// Users lists users with attendance counts, ordered by name.
	Users(ctx context.Context) ([]UserSummary, error)
	// Roster lists users known to recognition.
	Roster(ctx context.Context) ([]model.User, error)

	// InsertAttendance stores a record. Returns ErrNotFound for unknown users.
	InsertAttendance(ctx context.Context, a NewAttendance) (model.AttendanceRecord, error)
	// Attendance lists matching records newest first.
	Attendance(ctx context.Context, f Filter) ([]model.AttendanceView, error)

	Close() error
}

// ObserveLatency records how long a store operation took.
func ObserveLatency(op string, start time.Time) {
	metrics.RecordStoreLatency(op, time.Since(start))
}

// EffectiveLimit resolves the limit; -1 means unlimited.
func (f Filter) EffectiveLimit() int {
	switch {
	case f.Limit == 0:
		return DefaultLimit
	case f.Limit < 0:
		return -1
	}
	return f.Limit
}

// Match reports whether a record at t for id passes the filter.
func (f Filter) Match(id model.Identity, t time.Time) bool {
	if f.Identity != "" && f.Identity != id {
		return false
	}
	if !f.From.IsZero() && t.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.Before(f.To) {
		return false
	}
	return true
}
