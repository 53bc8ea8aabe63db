package audit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tradefin/tradefin/internal/platform/httpx"
)

// Handler exposes the audit timeline over HTTP.
type Handler struct {
	service *Service
}

// NewHandler builds the handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// MountRoutes registers GET /audit.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/audit", h.timeline)
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func parseFilters(r *http.Request) (TimelineFilters, error) {
	q := r.URL.Query()
	f := TimelineFilters{
		Entity:   q.Get("entity"),
		EntityID: q.Get("entity_id"),
		Action:   q.Get("action"),
	}
	var err error
	if f.From, err = parseTime(q.Get("from"), "from"); err != nil {
		return f, err
	}
	if f.To, err = parseTime(q.Get("to"), "to"); err != nil {
		return f, err
	}
	for _, p := range []struct {
		name   string
		target *int
	}{{"page", &f.Page}, {"page_size", &f.PageSize}} {
		if raw := q.Get(p.name); raw != "" {
			if *p.target, err = strconv.Atoi(raw); err != nil {
				return f, fmt.Errorf("%w: %s must be an integer", httpx.ErrBadRequest, p.name)
			}
		}
	}
	if raw := q.Get("actor_id"); raw != "" {
		if f.ActorID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return f, fmt.Errorf("%w: actor_id must be an integer", httpx.ErrBadRequest)
		}
	}
	return f, nil
}

// parseTime accepts RFC 3339 timestamps or plain dates.
func parseTime(raw, name string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be a date or RFC 3339 timestamp", httpx.ErrBadRequest, name)
	}
	return t, nil
}
