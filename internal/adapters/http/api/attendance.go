package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/okian/rollcall/internal/adapters/repository"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/types"
)

const dateLayout = "2006-01-02"

// AttendanceHandler handles attendance listing, export and manual marks.
type AttendanceHandler struct {
	deps AttendanceService
	loc  *time.Location
}

// NewAttendanceHandler creates a new attendance handler. Dates in queries
// are calendar days in loc.
func NewAttendanceHandler(deps AttendanceService, loc *time.Location) *AttendanceHandler {
	return &AttendanceHandler{deps: deps, loc: loc}
}

// HandleList handles GET /api/attendance?date=YYYY-MM-DD&user_id=ID&limit=N.
func (h *AttendanceHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	f, err := h.filter(r, 0)
	if err != nil {
		writeFailure(w, err)
		return
	}
	entries, err := h.deps.Attendance(r.Context(), f)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if entries == nil {
		entries = []types.AttendanceEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleWeekly handles GET /api/attendance/weekly.
func (h *AttendanceHandler) HandleWeekly(w http.ResponseWriter, r *http.Request) {
	days, err := h.deps.Weekly(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, days)
}

// HandleExport handles GET /api/attendance/export. It accepts the same
// filters as HandleList but is unlimited by default.
func (h *AttendanceHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	f, err := h.filter(r, -1)
	if err != nil {
		writeFailure(w, err)
		return
	}
	var buf bytes.Buffer
	if err := h.deps.ExportCSV(r.Context(), &buf, f); err != nil {
		writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="attendance.csv"`)
	_, _ = buf.WriteTo(w)
}

// HandleMark handles POST /api/attendance/mark.
func (h *AttendanceHandler) HandleMark(w http.ResponseWriter, r *http.Request) {
	var req types.MarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, badRequest("invalid JSON body: %v", err))
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeFailure(w, badRequest("missing user_id"))
		return
	}
	status, err := model.ParseStatus(req.Status)
	if err != nil {
		writeFailure(w, badRequest("%v", err))
		return
	}
	resp, err := h.deps.Mark(r.Context(), model.Identity(strings.TrimSpace(req.UserID)), status)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AttendanceHandler) filter(r *http.Request, defaultLimit int) (repository.Filter, error) {
	q := r.URL.Query()
	f := repository.Filter{Limit: defaultLimit}

	if d := q.Get("date"); d != "" {
		day, err := time.ParseInLocation(dateLayout, d, h.loc)
		if err != nil {
			return f, badRequest("invalid date %q; want YYYY-MM-DD", d)
		}
		f = repository.DayFilter(day)
		f.Limit = defaultLimit
	}
	f.Identity = model.Identity(strings.TrimSpace(q.Get("user_id")))
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			return f, badRequest("invalid limit %q", l)
		}
		f.Limit = n
	}
	return f, nil
}
