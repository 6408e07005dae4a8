package eventwatch

import (
	"fmt"
	"sort"
	"time"

	"github.com/okian/rollcall/internal/domain/model"
)

// Violation kinds.
const (
	KindCooldown = "cooldown"
	KindOrdering = "ordering"
)

// Violation is one broken invariant.
type Violation struct {
	Kind     string         `json:"kind"`
	Identity model.Identity `json:"identity"`
	At       time.Time      `json:"at"`
	Detail   string         `json:"detail"`
}

// IdentityStats counts what one identity did during the session.
type IdentityStats struct {
	Identity   model.Identity `json:"identity"`
	Name       string         `json:"name"`
	Detections int            `json:"detections"`
	Marks      int            `json:"marks"`
	Manual     int            `json:"manual"`
}

// Report summarizes a watch session. Cooldown releases are not broadcast, so
// a re-mark after DELETE /api/recognition/cooldown/{id} looks like a cooldown
// violation unless Verify runs with AllowReleases; it is then counted in
// Released instead.
type Report struct {
	Events      int             `json:"events"`
	Detections  int             `json:"detections"`
	Marks       int             `json:"marks"`
	ManualMarks int             `json:"manual_marks"`
	Released    int             `json:"released"`
	Identities  []IdentityStats `json:"identities"`
	Violations  []Violation     `json:"violations"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     time.Time       `json:"end_time"`
}

// OK reports whether no invariant was broken.
func (r Report) OK() bool { return len(r.Violations) == 0 }

// AcceptanceRate is the share of detections that became marks, in percent.
func (r Report) AcceptanceRate() float64 {
	if r.Detections == 0 {
		return 0
	}
	return float64(r.Marks-r.ManualMarks) / float64(r.Detections) * percentageFactor
}

type identityState struct {
	stats      IdentityStats
	lastMark   time.Time
	hasMark    bool
	lastManual bool
	pendingFD  bool
}

// inWindow reports whether at falls inside the reservation opened by the
// previous accepted mark.
func (s *identityState) inWindow(at time.Time, window time.Duration) bool {
	return s.hasMark && at.Sub(s.lastMark) < window
}

// VerifyOption tunes Verify.
type VerifyOption func(*verifyOptions)

type verifyOptions struct {
	allowReleases bool
}

// AllowReleases counts early automatic re-marks as operator releases
// instead of cooldown violations.
func AllowReleases(allow bool) VerifyOption {
	return func(o *verifyOptions) {
		o.allowReleases = allow
	}
}

// Verify checks observed events against the recognition invariants:
//
//   - two automatic marks of one identity are at least cooldown-tolerance apart
//   - every automatic mark follows a detection of the same identity that no
//     earlier mark has consumed
//
// A manual mark outside any window reserves the identity like the server
// does; inside a window it is an override and leaves the window alone. A
// mark that is the first event of the session is not checked for ordering
// since its detection may predate the subscription.
func Verify(events []Observed, cooldown, tolerance time.Duration, opts ...VerifyOption) Report {
	var vo verifyOptions
	for _, opt := range opts {
		opt(&vo)
	}
	window := cooldown - tolerance

	var r Report
	states := make(map[model.Identity]*identityState)
	get := func(id model.Identity, name string) *identityState {
		s, ok := states[id]
		if !ok {
			s = &identityState{stats: IdentityStats{Identity: id}}
			states[id] = s
		}
		if name != "" {
			s.stats.Name = name
		}
		return s
	}

	for i, o := range events {
		if i == 0 {
			r.StartTime = o.ReceivedAt
		}
		r.EndTime = o.ReceivedAt
		r.Events++

		switch ev := o.Event.(type) {
		case model.FaceDetected:
			r.Detections++
			s := get(ev.Identity, ev.Name)
			s.stats.Detections++
			s.pendingFD = true

		case model.AttendanceMarked:
			r.Marks++
			s := get(ev.Identity, ev.Name)
			s.stats.Marks++
			if ev.Manual {
				r.ManualMarks++
				s.stats.Manual++
				if !s.inWindow(ev.MarkedAt, window) {
					s.lastMark, s.hasMark, s.lastManual = ev.MarkedAt, true, true
				}
				continue
			}
			if !s.pendingFD && i > 0 {
				r.Violations = append(r.Violations, Violation{
					Kind:     KindOrdering,
					Identity: ev.Identity,
					At:       ev.MarkedAt,
					Detail:   fmt.Sprintf("record %s has no preceding detection", ev.RecordID),
				})
			}
			s.pendingFD = false
			if s.inWindow(ev.MarkedAt, window) {
				gap := ev.MarkedAt.Sub(s.lastMark)
				switch {
				case vo.allowReleases:
					r.Released++
				case s.lastManual:
					r.Violations = append(r.Violations, Violation{
						Kind:     KindCooldown,
						Identity: ev.Identity,
						At:       ev.MarkedAt,
						Detail:   fmt.Sprintf("marked %s after a manual mark, window is %s", gap, cooldown),
					})
				default:
					r.Violations = append(r.Violations, Violation{
						Kind:     KindCooldown,
						Identity: ev.Identity,
						At:       ev.MarkedAt,
						Detail:   fmt.Sprintf("marked again after %s, window is %s", gap, cooldown),
					})
				}
			}
			s.lastMark, s.hasMark, s.lastManual = ev.MarkedAt, true, false
		}
	}

	r.Identities = make([]IdentityStats, 0, len(states))
	for _, s := range states {
		r.Identities = append(r.Identities, s.stats)
	}
	sort.Slice(r.Identities, func(i, j int) bool {
		return r.Identities[i].Identity < r.Identities[j].Identity
	})
	return r
}
