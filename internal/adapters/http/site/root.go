// Package site serves the embedded live attendance dashboard.
package site

import (
	"context"
	"errors"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Error constants
var (
	ErrServe = errors.New("dashboard serve failed")
)

// Register attaches the dashboard routes to r.
//
//	GET /          -> index.html
//	GET /assets/*  -> scripts and styles
func Register(_ context.Context, r chi.Router) {
	if r == nil {
		panic("router is nil")
	}
	root := NewRootHandler()
	r.Get("/", root.HandleRoot)
	r.Get("/assets/*", http.FileServer(FS()).ServeHTTP)
}

// RootHandler serves the dashboard page.
type RootHandler struct {
	index []byte
	err   error
}

// NewRootHandler creates a new root handler.
func NewRootHandler() *RootHandler {
	b, err := fs.ReadFile(staticFS, "static/index.html")
	return &RootHandler{index: b, err: err}
}

// HandleRoot handles GET /.
func (h *RootHandler) HandleRoot(w http.ResponseWriter, _ *http.Request) {
	if h.err != nil {
		http.Error(w, ErrServe.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(h.index)
}
