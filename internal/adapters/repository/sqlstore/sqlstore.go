// Package sqlstore implements repository.Store on PostgreSQL and MySQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"

	"github.com/okian/rollcall/internal/adapters/repository"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/pkg/logger"
)

// Config describes the connection.
type Config struct {
	Driver       string
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// Option applies a configuration option to the Store.
type Option func(*Store)

// WithClock sets the clock used for created_at and default marked_at.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Store is a repository.Store backed by database/sql.
type Store struct {
	db    *sql.DB
	d     dialect
	clock clockwork.Clock
	log   logger.Logger
}

var _ repository.Store = (*Store)(nil)

// Open connects, verifies the connection and applies migrations.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("database URL is required")
	}
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn, err := d.dsn(cfg.URL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := newStore(db, d, opts...)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already open database of the given driver. It does not migrate.
func New(db *sql.DB, driver string, opts ...Option) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	return newStore(db, d, opts...), nil
}

func newStore(db *sql.DB, d dialect, opts ...Option) *Store {
	s := &Store{db: db, d: d, clock: clockwork.NewRealClock(), log: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database connection: %w", err)
	}
	return nil
}

const userColumns = "id, name, COALESCE(email, ''), role, COALESCE(image_path, ''), created_at"

func (s *Store) CreateUser(ctx context.Context, in repository.NewUser) (model.User, error) {
	defer repository.ObserveLatency("create_user", time.Now())

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return model.User{}, fmt.Errorf("%w: name is required", repository.ErrInvalidInput)
	}
	role := in.Role
	if role == "" {
		role = model.RoleStudent
	}
	now := s.d.toDB(s.clock.Now())

	id, err := s.insert(ctx,
		"INSERT INTO users (name, email, role, image_path, created_at) VALUES (?, ?, ?, ?, ?)",
		name, nullString(in.Email), string(role), nullString(in.ImagePath), now)
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, fmt.Errorf("user %q: %w", name, repository.ErrConflict)
		}
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}
	return model.User{
		ID:        identity(id),
		Name:      name,
		Email:     in.Email,
		Role:      role,
		ImagePath: in.ImagePath,
		CreatedAt: now,
	}, nil
}

func (s *Store) User(ctx context.Context, id model.Identity) (model.User, error) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return model.User{}, fmt.Errorf("user %s: %w", id, repository.ErrNotFound)
	}
	u, err := s.queryUser(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", n)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, fmt.Errorf("user %s: %w", id, repository.ErrNotFound)
	}
	return u, err
}

func (s *Store) UserByName(ctx context.Context, name string) (model.User, error) {
	u, err := s.queryUser(ctx, "SELECT "+userColumns+" FROM users WHERE name = ?", strings.TrimSpace(name))
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, fmt.Errorf("user %q: %w", name, repository.ErrNotFound)
	}
	return u, err
}

// EnsureUser looks up name and inserts a student on a miss. A concurrent
// insert of the same name resolves to the existing row.
func (s *Store) EnsureUser(ctx context.Context, name string) (model.User, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.User{}, false, fmt.Errorf("%w: name is required", repository.ErrInvalidInput)
	}
	u, err := s.UserByName(ctx, name)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return model.User{}, false, err
	}
	u, err = s.CreateUser(ctx, repository.NewUser{Name: name, Role: model.RoleStudent})
	if errors.Is(err, repository.ErrConflict) {
		u, err = s.UserByName(ctx, name)
		return u, false, err
	}
	return u, err == nil, err
}

func (s *Store) Users(ctx context.Context) ([]repository.UserSummary, error) {
	defer repository.ObserveLatency("users", time.Now())

	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT u.id, u.name, COALESCE(u.email, ''), u.role, COALESCE(u.image_path, ''), u.created_at,
			COUNT(a.id),
			COALESCE(SUM(CASE WHEN a.status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN a.status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN a.status = ? THEN 1 ELSE 0 END), 0)
		FROM users u
		LEFT JOIN attendance a ON a.user_id = u.id
		GROUP BY u.id, u.name, u.email, u.role, u.image_path, u.created_at
		ORDER BY u.name`),
		string(model.StatusPresent), string(model.StatusLate), string(model.StatusAbsent))
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []repository.UserSummary
	for rows.Next() {
		var (
			us   repository.UserSummary
			id   int64
			role string
		)
		if err := rows.Scan(&id, &us.Name, &us.Email, &role, &us.ImagePath, &us.CreatedAt,
			&us.Total, &us.Present, &us.Late, &us.Absent); err != nil {
			return nil, fmt.Errorf("scan user summary: %w", err)
		}
		us.ID = identity(id)
		us.Role = model.Role(role)
		out = append(out, us)
	}
	return out, rows.Err()
}

func (s *Store) Roster(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("query roster: %w", err)
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) InsertAttendance(ctx context.Context, in repository.NewAttendance) (model.AttendanceRecord, error) {
	defer repository.ObserveLatency("insert_attendance", time.Now())

	uid, err := strconv.ParseInt(string(in.Identity), 10, 64)
	if err != nil {
		return model.AttendanceRecord{}, fmt.Errorf("user %s: %w", in.Identity, repository.ErrNotFound)
	}
	if in.Status == "" {
		in.Status = model.StatusPresent
	}
	if in.MarkedAt.IsZero() {
		in.MarkedAt = s.clock.Now()
	}
	var conf sql.NullFloat64
	if in.Confidence != nil {
		conf = sql.NullFloat64{Float64: *in.Confidence, Valid: true}
	}

	id, err := s.insert(ctx,
		"INSERT INTO attendance (user_id, marked_at, status, confidence) VALUES (?, ?, ?, ?)",
		uid, s.d.toDB(in.MarkedAt), string(in.Status), conf)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.AttendanceRecord{}, fmt.Errorf("user %s: %w", in.Identity, repository.ErrNotFound)
		}
		return model.AttendanceRecord{}, fmt.Errorf("insert attendance: %w", err)
	}
	return model.AttendanceRecord{
		ID:         model.RecordID(strconv.FormatInt(id, 10)),
		Identity:   in.Identity,
		MarkedAt:   in.MarkedAt,
		Confidence: in.Confidence,
		Status:     in.Status,
	}, nil
}

func (s *Store) Attendance(ctx context.Context, f repository.Filter) ([]model.AttendanceView, error) {
	defer repository.ObserveLatency("attendance", time.Now())

	q, args, err := s.attendanceQuery(f)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query attendance: %w", err)
	}
	defer rows.Close()

	var out []model.AttendanceView
	for rows.Next() {
		var (
			v       model.AttendanceView
			id, uid int64
			status  string
			role    string
			conf    sql.NullFloat64
		)
		if err := rows.Scan(&id, &uid, &v.MarkedAt, &status, &conf, &v.Name, &role); err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		v.ID = model.RecordID(strconv.FormatInt(id, 10))
		v.Identity = identity(uid)
		v.Status = model.Status(status)
		v.Role = model.Role(role)
		if conf.Valid {
			c := conf.Float64
			v.Confidence = &c
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) attendanceQuery(f repository.Filter) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	if f.Identity != "" {
		uid, err := strconv.ParseInt(string(f.Identity), 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("%w: identity %q", repository.ErrInvalidInput, f.Identity)
		}
		where = append(where, "a.user_id = ?")
		args = append(args, uid)
	}
	if !f.From.IsZero() {
		where = append(where, "a.marked_at >= ?")
		args = append(args, s.d.toDB(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "a.marked_at < ?")
		args = append(args, s.d.toDB(f.To))
	}

	var b strings.Builder
	b.WriteString(`SELECT a.id, a.user_id, a.marked_at, a.status, a.confidence, u.name, u.role
		FROM attendance a
		JOIN users u ON u.id = a.user_id`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY a.marked_at DESC, a.id DESC")
	if n := f.EffectiveLimit(); n >= 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, n)
	}
	return s.d.rebind(b.String()), args, nil
}

// insert runs an INSERT and returns the generated id.
func (s *Store) insert(ctx context.Context, q string, args ...any) (int64, error) {
	if s.d.returning {
		var id int64
		err := s.db.QueryRowContext(ctx, s.d.rebind(q+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := s.db.ExecContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) queryUser(ctx context.Context, q string, args ...any) (model.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, s.d.rebind(q), args...))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (model.User, error) {
	var (
		u    model.User
		id   int64
		role string
	)
	if err := row.Scan(&id, &u.Name, &u.Email, &role, &u.ImagePath, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, err
		}
		return model.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.ID = identity(id)
	u.Role = model.Role(role)
	return u, nil
}

func identity(id int64) model.Identity {
	return model.Identity(strconv.FormatInt(id, 10))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
