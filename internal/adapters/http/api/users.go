package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"

	"github.com/okian/rollcall/internal/adapters/media"
	"github.com/okian/rollcall/internal/domain/types"
)

// UsersHandler handles user registration and listing.
type UsersHandler struct {
	deps UserService
}

// NewUsersHandler creates a new users handler.
func NewUsersHandler(deps UserService) *UsersHandler {
	return &UsersHandler{deps: deps}
}

// HandleList handles GET /api/users requests.
func (h *UsersHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	users, err := h.deps.Users(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if users == nil {
		users = []types.UserSummary{}
	}
	writeJSON(w, http.StatusOK, users)
}

// HandleCreate handles POST /api/users. It accepts multipart form data with
// an optional "image" file, or a JSON body without one.
func (h *UsersHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCreateUser(w, r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	u, err := h.deps.CreateUser(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func decodeCreateUser(w http.ResponseWriter, r *http.Request) (types.CreateUserRequest, error) {
	var req types.CreateUserRequest
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != "multipart/form-data" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, badRequest("invalid JSON body: %v", err)
		}
		return req, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, media.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(media.MaxUploadBytes); err != nil {
		return req, badRequest("invalid multipart body: %v", err)
	}
	req.Name = r.FormValue("name")
	req.Email = r.FormValue("email")
	req.Role = r.FormValue("role")

	file, _, err := r.FormFile("image")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		return req, badRequest("invalid image field: %v", err)
	default:
		// The multipart temp file lives until the request ends.
		req.Image = file
	}
	return req, nil
}
