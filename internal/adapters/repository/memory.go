package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okian/rollcall/internal/domain/model"
)

// Option applies a configuration option to the MemoryStore.
type Option func(*MemoryStore)

// WithClock sets the clock used for CreatedAt.
func WithClock(c clockwork.Clock) Option {
	return func(s *MemoryStore) {
		if c != nil {
			s.clock = c
		}
	}
}

// MemoryStore keeps users and attendance in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	users   map[model.Identity]model.User
	byName  map[string]model.Identity
	records []model.AttendanceRecord // append order == id order
	nextUID int64
	nextRID int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		clock:  clockwork.NewRealClock(),
		users:  make(map[model.Identity]model.User),
		byName: make(map[string]model.Identity),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) CreateUser(_ context.Context, in NewUser) (model.User, error) {
	defer ObserveLatency("create_user", time.Now())

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return model.User{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	role := in.Role
	if role == "" {
		role = model.RoleStudent
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[name]; ok {
		return model.User{}, fmt.Errorf("user %q: %w", name, ErrConflict)
	}
	return s.insertUserLocked(name, in.Email, role, in.ImagePath), nil
}

func (s *MemoryStore) insertUserLocked(name, email string, role model.Role, image string) model.User {
	s.nextUID++
	u := model.User{
		ID:        model.Identity(strconv.FormatInt(s.nextUID, 10)),
		Name:      name,
		Email:     email,
		Role:      role,
		ImagePath: image,
		CreatedAt: s.clock.Now(),
	}
	s.users[u.ID] = u
	s.byName[name] = u.ID
	return u
}

func (s *MemoryStore) User(_ context.Context, id model.Identity) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, nil
}

func (s *MemoryStore) UserByName(_ context.Context, name string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[strings.TrimSpace(name)]
	if !ok {
		return model.User{}, fmt.Errorf("user %q: %w", name, ErrNotFound)
	}
	return s.users[id], nil
}

func (s *MemoryStore) EnsureUser(_ context.Context, name string) (model.User, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.User{}, false, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byName[name]; ok {
		return s.users[id], false, nil
	}
	return s.insertUserLocked(name, "", model.RoleStudent, ""), true, nil
}

func (s *MemoryStore) Users(_ context.Context) ([]UserSummary, error) {
	defer ObserveLatency("users", time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := make(map[model.Identity]*UserSummary, len(s.users))
	out := make([]UserSummary, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, UserSummary{User: u})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	for i := range out {
		idx[out[i].ID] = &out[i]
	}
	for _, r := range s.records {
		if us, ok := idx[r.Identity]; ok {
			us.count(r.Status)
		}
	}
	return out, nil
}

func (s *MemoryStore) Roster(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) InsertAttendance(_ context.Context, in NewAttendance) (model.AttendanceRecord, error) {
	defer ObserveLatency("insert_attendance", time.Now())

	if in.Status == "" {
		in.Status = model.StatusPresent
	}
	if in.MarkedAt.IsZero() {
		in.MarkedAt = s.clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[in.Identity]; !ok {
		return model.AttendanceRecord{}, fmt.Errorf("user %s: %w", in.Identity, ErrNotFound)
	}
	s.nextRID++
	r := model.AttendanceRecord{
		ID:         model.RecordID(strconv.FormatInt(s.nextRID, 10)),
		Identity:   in.Identity,
		MarkedAt:   in.MarkedAt,
		Confidence: in.Confidence,
		Status:     in.Status,
	}
	s.records = append(s.records, r)
	return r, nil
}

func (s *MemoryStore) Attendance(_ context.Context, f Filter) ([]model.AttendanceView, error) {
	defer ObserveLatency("attendance", time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AttendanceView
	for _, r := range s.records {
		if !f.Match(r.Identity, r.MarkedAt) {
			continue
		}
		u := s.users[r.Identity]
		out = append(out, model.AttendanceView{AttendanceRecord: r, Name: u.Name, Role: u.Role})
	}
	SortNewestFirst(out)
	if n := f.EffectiveLimit(); n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (u *UserSummary) count(st model.Status) {
	u.Total++
	switch st {
	case model.StatusPresent:
		u.Present++
	case model.StatusLate:
		u.Late++
	case model.StatusAbsent:
		u.Absent++
	}
}

// SortNewestFirst orders views by MarkedAt desc, then id desc.
func SortNewestFirst(v []model.AttendanceView) {
	sort.SliceStable(v, func(i, j int) bool {
		if !v[i].MarkedAt.Equal(v[j].MarkedAt) {
			return v[i].MarkedAt.After(v[j].MarkedAt)
		}
		a, _ := strconv.ParseInt(string(v[i].ID), 10, 64)
		b, _ := strconv.ParseInt(string(v[j].ID), 10, 64)
		return a > b
	})
}
