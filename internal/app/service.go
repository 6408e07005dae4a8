// Package service wires the recognition engine, the attendance store and the
// broadcast hub into the operations served by the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okian/rollcall/internal/adapters/broadcast"
	"github.com/okian/rollcall/internal/adapters/media"
	"github.com/okian/rollcall/internal/adapters/repository"
	"github.com/okian/rollcall/internal/config"
	"github.com/okian/rollcall/internal/domain/cooldown"
	"github.com/okian/rollcall/internal/domain/detection"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/recognition"
	"github.com/okian/rollcall/internal/domain/types"
	"github.com/okian/rollcall/pkg/logger"
	"github.com/okian/rollcall/pkg/metrics"
)

// UploadsPrefix is the URL prefix stored images are served under.
const UploadsPrefix = "/uploads/"

// Service implements the API dependencies for the attendance system.
type Service struct {
	mu sync.RWMutex

	// Core components
	store  repository.Store
	roster *detection.CachedRoster
	sim    *detection.Simulator
	source detection.Source
	ledger cooldown.Ledger
	loop   *recognition.Loop
	hub    *broadcast.Hub
	images *media.Store
	clock  clockwork.Clock

	// Configuration
	cfg *config.Config

	// Late policy, read by every recorded cycle.
	lateMu   sync.RWMutex
	lateOn   bool
	lateHour int
	lateMin  int

	// State
	started bool
	baseCtx context.Context
	cancel  context.CancelFunc
	bg      sync.WaitGroup

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore sets the attendance store. Defaults to an in-memory store.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

// WithSource replaces the simulated detection source.
func WithSource(src detection.Source) Option {
	return func(s *Service) {
		if src != nil {
			s.source = src
		}
	}
}

// WithClock sets the clock shared by every component.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithImages sets where uploaded photos are stored.
func WithImages(images *media.Store) Option {
	return func(s *Service) {
		s.images = images
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(log logger.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.logger = log
		}
	}
}

// New constructs a Service from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.New()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = repository.NewMemoryStore(repository.WithClock(s.clock))
	}
	if s.images == nil && cfg.UploadsDir != "" {
		images, err := media.NewStore(cfg.UploadsDir, cfg.UploadMaxPx)
		if err != nil {
			return nil, err
		}
		s.images = images
	}
	if err := s.applyLate(cfg); err != nil {
		return nil, err
	}

	s.roster = detection.NewCachedRoster(s.store)
	s.sim = detection.NewSimulator(s.roster, append(simOptions(cfg), detection.WithClock(s.clock))...)
	if s.source == nil {
		s.source = s.sim
	}
	s.ledger = cooldown.NewInMemoryLedger(
		cooldown.WithWindow(cfg.Cooldown()),
		cooldown.WithClock(s.clock),
		cooldown.WithLogger(s.logger.Named("cooldown")),
	)
	hubLog := s.logger.Named("broadcast")
	s.hub = broadcast.NewHub(
		broadcast.WithBuffer(cfg.SubscriberBuffer),
		broadcast.WithLogger(hubLog),
		broadcast.WithDropHandler(func(err error) {
			hubLog.Debug(context.Background(), "event dropped", logger.Error(err))
		}),
	)
	s.loop = recognition.New(s.source, s.ledger, s, s.hub,
		recognition.WithInterval(cfg.DetectionInterval()),
		recognition.WithClock(s.clock),
		recognition.WithLogger(s.logger.Named("recognition")),
	)
	return s, nil
}

func simOptions(cfg *config.Config) []detection.Option {
	lo, hi := cfg.DetectionLatency()
	return []detection.Option{
		detection.WithProbability(cfg.DetectionProbability),
		detection.WithLatencyRange(lo, hi),
		detection.WithConfidenceRange(cfg.ConfidenceMin, cfg.ConfidenceMax),
	}
}

func (s *Service) applyLate(cfg *config.Config) error {
	h, m, ok, err := cfg.LateCutoff()
	if err != nil {
		return err
	}
	s.lateMu.Lock()
	s.lateOn, s.lateHour, s.lateMin = ok, h, m
	s.lateMu.Unlock()
	return nil
}

// Start imports the boot CSV, loads the roster and starts background work.
// Recognition starts only with autostart_recognition.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	s.logger.Info(ctx, "starting attendance service...")

	if path := s.cfg.ImportCSV; path != "" {
		res, err := s.importFile(ctx, path)
		if err != nil {
			s.logger.Warn(ctx, "boot import skipped", logger.String("path", path), logger.Error(err))
		} else {
			s.logger.Info(ctx, "boot import finished",
				logger.String("path", path),
				logger.Int("imported", res.Imported),
				logger.Int("users_created", res.UsersCreated),
				logger.Int("skipped", res.Skipped),
			)
		}
	}
	if err := s.roster.Refresh(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	sweep := s.cfg.SweepInterval()
	s.bg.Add(2)
	go func() {
		defer s.bg.Done()
		cooldown.RunSweeper(s.baseCtx, s.ledger, sweep, s.clock)
	}()
	go func() {
		defer s.bg.Done()
		metrics.RunSystemSampler(s.baseCtx)
	}()

	if s.cfg.AutostartRecognition {
		s.loop.Start(s.baseCtx)
	}

	s.started = true
	s.logger.Info(ctx, "attendance service started",
		logger.Duration("cooldown", s.ledger.Window()),
		logger.Duration("interval", s.loop.Interval()),
		logger.Bool("recognition", s.loop.Running()),
	)
	return nil
}

// Stop halts recognition, waits for the in-flight cycle, closes every
// subscriber and the store.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	ctx := context.Background()
	s.logger.Info(ctx, "stopping attendance service...")

	s.loop.Stop()
	s.loop.Wait()
	s.cancel()
	s.bg.Wait()

	_ = s.hub.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Warn(ctx, "close store", logger.Error(err))
	}

	s.started = false
	s.logger.Info(ctx, "attendance service stopped")
}

// Started reports whether Start has run and Stop has not.
func (s *Service) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// Reload applies the tunable parts of cfg: cooldown window, cadence,
// simulator parameters and the late cutoff. Invalid configs are rejected.
func (s *Service) Reload(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := s.applyLate(cfg); err != nil {
		return err
	}
	s.ledger.SetWindow(cfg.Cooldown())
	s.loop.SetInterval(cfg.DetectionInterval())
	s.sim.Tune(simOptions(cfg)...)
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		s.logger.Warn(ctx, "ignoring log level", logger.Error(err))
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.logger.Info(ctx, "configuration reloaded",
		logger.Duration("cooldown", cfg.Cooldown()),
		logger.Duration("interval", cfg.DetectionInterval()),
		logger.Float64("probability", cfg.DetectionProbability),
		logger.String("late_after", cfg.LateAfter),
	)
	return nil
}

// Record stores an accepted detection for the recognition loop.
func (s *Service) Record(ctx context.Context, id model.Identity, confidence float64) (model.RecordID, error) {
	now := s.clock.Now()
	conf := confidence
	rec, err := s.store.InsertAttendance(ctx, repository.NewAttendance{
		Identity:   id,
		MarkedAt:   now,
		Confidence: &conf,
		Status:     s.statusAt(now),
	})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// statusAt applies the late policy: marks strictly after the cutoff are late.
func (s *Service) statusAt(t time.Time) model.Status {
	s.lateMu.RLock()
	on, h, m := s.lateOn, s.lateHour, s.lateMin
	s.lateMu.RUnlock()
	if !on {
		return model.StatusPresent
	}
	cutoff := time.Date(t.Year(), t.Month(), t.Day(), h, m, 0, 0, t.Location())
	if t.After(cutoff) {
		return model.StatusLate
	}
	return model.StatusPresent
}

// Import loads a name,timestamp CSV into the store and refreshes the roster.
func (s *Service) Import(ctx context.Context, r io.Reader, opts ...repository.ImportOption) (repository.ImportResult, error) {
	res, err := repository.ImportCSV(ctx, s.store, r, opts...)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrImport, err)
	}
	if err := s.roster.Refresh(ctx); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Service) importFile(ctx context.Context, path string) (repository.ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return repository.ImportResult{}, fmt.Errorf("%w: %w", ErrImport, err)
	}
	defer f.Close()
	return repository.ImportCSV(ctx, s.store, f)
}

// Stats returns today's dashboard summary.
func (s *Service) Stats(ctx context.Context) (types.Stats, error) {
	users, err := s.store.Roster(ctx)
	if err != nil {
		return types.Stats{}, err
	}
	f := repository.DayFilter(s.clock.Now())
	f.Limit = -1
	day, err := s.store.Attendance(ctx, f)
	if err != nil {
		return types.Stats{}, err
	}
	return repository.DailyStats(len(users), day), nil
}

// Users lists users with attendance counts, ordered by name.
func (s *Service) Users(ctx context.Context) ([]types.UserSummary, error) {
	users, err := s.store.Users(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.UserSummary, len(users))
	for i, u := range users {
		out[i] = summary(u)
	}
	return out, nil
}

func summary(u repository.UserSummary) types.UserSummary {
	return types.UserSummary{
		ID:              string(u.ID),
		Name:            u.Name,
		Email:           u.Email,
		Role:            string(u.Role),
		ImagePath:       u.ImagePath,
		CreatedAt:       u.CreatedAt,
		TotalAttendance: u.Total,
		PresentDays:     u.Present,
		LateDays:        u.Late,
		AbsentDays:      u.Absent,
	}
}

// CreateUser registers a user, storing the photo if one was uploaded, and
// makes them visible to recognition.
func (s *Service) CreateUser(ctx context.Context, req types.CreateUserRequest) (types.UserSummary, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return types.UserSummary{}, fmt.Errorf("%w: name is required", repository.ErrInvalidInput)
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		return types.UserSummary{}, fmt.Errorf("%w: %w", repository.ErrInvalidInput, err)
	}
	// Check first so a duplicate does not overwrite the existing photo.
	if _, err := s.store.UserByName(ctx, name); err == nil {
		return types.UserSummary{}, fmt.Errorf("user %q: %w", name, repository.ErrConflict)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return types.UserSummary{}, err
	}

	var imagePath string
	if req.Image != nil && s.images != nil {
		file, err := s.images.Save(name, req.Image)
		if err != nil {
			return types.UserSummary{}, err
		}
		imagePath = UploadsPrefix + file
	}

	u, err := s.store.CreateUser(ctx, repository.NewUser{
		Name:      name,
		Email:     strings.TrimSpace(req.Email),
		Role:      role,
		ImagePath: imagePath,
	})
	if err != nil {
		return types.UserSummary{}, err
	}
	if err := s.roster.Refresh(ctx); err != nil {
		s.logger.Warn(ctx, "roster refresh failed", logger.Error(err))
	}
	s.logger.Info(ctx, "user registered", logger.String("id", string(u.ID)), logger.String("name", u.Name))
	return summary(repository.UserSummary{User: u}), nil
}

// Attendance lists records matching f, newest first.
func (s *Service) Attendance(ctx context.Context, f repository.Filter) ([]types.AttendanceEntry, error) {
	views, err := s.store.Attendance(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]types.AttendanceEntry, len(views))
	for i, v := range views {
		out[i] = types.FromView(v)
	}
	return out, nil
}

// Weekly buckets the last seven days of records by weekday.
func (s *Service) Weekly(ctx context.Context) ([]types.WeeklyDay, error) {
	now := s.clock.Now()
	records, err := s.store.Attendance(ctx, repository.Filter{From: now.Add(-repository.WeeklyWindow), Limit: -1})
	if err != nil {
		return nil, err
	}
	return repository.Weekly(records, now), nil
}

// ExportCSV writes every record matching f as CSV.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, f repository.Filter) error {
	views, err := s.store.Attendance(ctx, f)
	if err != nil {
		return err
	}
	return repository.WriteCSV(w, views)
}

// Mark records a manual attendance for an operator. It reserves the
// cooldown so recognition does not immediately mark the same person again,
// but proceeds even if a reservation is already active.
func (s *Service) Mark(ctx context.Context, id model.Identity, status model.Status) (types.MarkResponse, error) {
	u, err := s.store.User(ctx, id)
	if err != nil {
		return types.MarkResponse{}, err
	}
	override := !s.ledger.TryReserve(ctx, id)

	now := s.clock.Now()
	rec, err := s.store.InsertAttendance(ctx, repository.NewAttendance{
		Identity: id,
		MarkedAt: now,
		Status:   status,
	})
	if err != nil {
		metrics.RecordStorageError()
		return types.MarkResponse{}, err
	}
	metrics.RecordAttendance("manual")

	msg := fmt.Sprintf("Attendance marked for %s", u.Name)
	s.hub.Publish(ctx, model.AttendanceMarked{
		Identity: id,
		Name:     u.Name,
		MarkedAt: now,
		RecordID: rec.ID,
		Message:  msg,
		Manual:   true,
	})
	s.logger.Info(ctx, "manual attendance",
		logger.String("identity", string(id)),
		logger.String("status", string(status)),
		logger.Bool("override", override),
	)

	return types.MarkResponse{
		Message: msg,
		Record: types.FromView(model.AttendanceView{
			AttendanceRecord: rec,
			Name:             u.Name,
			Role:             u.Role,
		}),
		Override: override,
	}, nil
}

// StartRecognition starts the background loop. It returns false if the loop
// was already running.
func (s *Service) StartRecognition() (bool, error) {
	s.mu.RLock()
	ctx, started := s.baseCtx, s.started
	s.mu.RUnlock()
	if !started {
		return false, ErrNotStarted
	}
	return s.loop.Start(ctx), nil
}

// StopRecognition stops scheduling cycles. It returns false if the loop was
// not running.
func (s *Service) StopRecognition() bool {
	return s.loop.Stop()
}

// RecognitionStatus reports the loop state and counters.
func (s *Service) RecognitionStatus() types.RecognitionStatus {
	st := s.loop.Stats()
	return types.RecognitionStatus{
		Running:         s.loop.Running(),
		IntervalMS:      s.loop.Interval().Milliseconds(),
		CooldownSeconds: s.ledger.Window().Seconds(),
		ActiveCooldowns: s.ledger.Size(),
		Subscribers:     s.hub.Count(),
		Cycles:          st.Cycles,
		Accepted:        st.Accepted,
		Rejected:        st.Rejected,
		NoDetection:     st.NoDetection,
		StorageFailed:   st.StorageFailed,
		Skipped:         st.Skipped,
	}
}

// RunCycle runs one recognition cycle now. The cycle outlives ctx: once an
// identity is reserved its record must be written even if the caller leaves.
func (s *Service) RunCycle(ctx context.Context) types.CycleResult {
	res := s.loop.RunCycle(context.WithoutCancel(ctx))
	out := types.CycleResult{Outcome: res.Outcome.String(), RecordID: string(res.RecordID)}
	if res.Detection.Identity != "" {
		conf := res.Detection.Confidence
		out.User = &types.UserRef{ID: string(res.Detection.Identity), Name: res.Detection.Name}
		out.Confidence = &conf
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

// ReleaseCooldown ends an identity's cooldown early.
func (s *Service) ReleaseCooldown(ctx context.Context, id model.Identity) bool {
	return s.ledger.Release(ctx, id)
}

// Subscribe attaches a live event subscriber.
func (s *Service) Subscribe() (*broadcast.Subscription, error) {
	return s.hub.Subscribe()
}

// Unsubscribe detaches a subscriber and closes its mailbox.
func (s *Service) Unsubscribe(id string) bool {
	return s.hub.Unsubscribe(id)
}

// Config returns the active configuration.
func (s *Service) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}
