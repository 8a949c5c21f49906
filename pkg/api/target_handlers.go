package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/perimetra/idpsync/pkg/httputil"
	"github.com/perimetra/idpsync/pkg/notify"
)

// TargetHandlers manages webhook notification targets.
type TargetHandlers struct {
	targets *notify.Manager
}

// NewTargetHandlers creates notification target handlers.
func NewTargetHandlers(targets *notify.Manager) *TargetHandlers {
	return &TargetHandlers{targets: targets}
}

// RegisterRoutes registers notification routes with the router.
func (h *TargetHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/notifications/targets", h.CreateTarget).Methods(http.MethodPost)
	router.HandleFunc("/notifications/targets", h.ListTargets).Methods(http.MethodGet)
	router.HandleFunc("/notifications/targets/{id}", h.GetTarget).Methods(http.MethodGet)
	router.HandleFunc("/notifications/targets/{id}", h.UpdateTarget).Methods(http.MethodPut)
	router.HandleFunc("/notifications/targets/{id}", h.DeleteTarget).Methods(http.MethodDelete)
	router.HandleFunc("/notifications/targets/{id}/active", h.SetTargetActive).Methods(http.MethodPut)
	router.HandleFunc("/notifications/targets/{id}/deliveries", h.ListDeliveries).Methods(http.MethodGet)
	router.HandleFunc("/notifications/targets/{id}/stats", h.TargetStats).Methods(http.MethodGet)
}

// TargetRequest is the create/update payload. The signing secret is
// accepted here but never echoed back in responses.
type TargetRequest struct {
	URL         string             `json:"url"`
	Events      []notify.EventType `json:"events"`
	Secret      string             `json:"secret,omitempty"`
	Format      string             `json:"format,omitempty"`
	Description string             `json:"description,omitempty"`
}

// CreateTarget registers a webhook target.
func (h *TargetHandlers) CreateTarget(w http.ResponseWriter, r *http.Request) {
	var req TargetRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	target := &notify.Target{
		URL:         req.URL,
		Events:      req.Events,
		Secret:      req.Secret,
		Format:      req.Format,
		Description: req.Description,
	}
	if err := h.targets.Register(target); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	httputil.WriteCreated(w, target)
}

// ListTargets returns every registered target.
func (h *TargetHandlers) ListTargets(w http.ResponseWriter, r *http.Request) {
	targets := h.targets.List()
	httputil.WriteSuccess(w, map[string]interface{}{
		"targets": targets,
		"count":   len(targets),
	})
}

// GetTarget returns one target.
func (h *TargetHandlers) GetTarget(w http.ResponseWriter, r *http.Request) {
	target, err := h.targets.Get(httputil.GetPathVars(r)["id"])
	if err != nil {
		h.writeTargetError(w, err)
		return
	}
	httputil.WriteSuccess(w, target)
}

// UpdateTarget applies a partial update. Empty request fields keep the
// stored values; activation flips through the active endpoint instead.
func (h *TargetHandlers) UpdateTarget(w http.ResponseWriter, r *http.Request) {
	id := httputil.GetPathVars(r)["id"]

	var req TargetRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	updates := &notify.Target{
		URL:         req.URL,
		Events:      req.Events,
		Secret:      req.Secret,
		Format:      req.Format,
		Description: req.Description,
	}
	if err := h.targets.Update(id, updates); err != nil {
		h.writeTargetError(w, err)
		return
	}

	target, err := h.targets.Get(id)
	if err != nil {
		h.writeTargetError(w, err)
		return
	}
	httputil.WriteSuccess(w, target)
}

// DeleteTarget removes a target.
func (h *TargetHandlers) DeleteTarget(w http.ResponseWriter, r *http.Request) {
	if err := h.targets.Unregister(httputil.GetPathVars(r)["id"]); err != nil {
		h.writeTargetError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// SetTargetActive pauses or resumes deliveries to a target.
func (h *TargetHandlers) SetTargetActive(w http.ResponseWriter, r *http.Request) {
	id := httputil.GetPathVars(r)["id"]

	var req struct {
		Active bool `json:"active"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.targets.SetActive(id, req.Active); err != nil {
		h.writeTargetError(w, err)
		return
	}

	target, err := h.targets.Get(id)
	if err != nil {
		h.writeTargetError(w, err)
		return
	}
	httputil.WriteSuccess(w, target)
}

// ListDeliveries returns recent delivery attempts for a target.
func (h *TargetHandlers) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	id := httputil.GetPathVars(r)["id"]
	if _, err := h.targets.Get(id); err != nil {
		h.writeTargetError(w, err)
		return
	}

	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid limit parameter")
		return
	}

	deliveries := h.targets.Deliveries(id, limit)
	httputil.WriteSuccess(w, map[string]interface{}{
		"deliveries": deliveries,
		"count":      len(deliveries),
	})
}

// TargetStats aggregates delivery outcomes for a target.
func (h *TargetHandlers) TargetStats(w http.ResponseWriter, r *http.Request) {
	id := httputil.GetPathVars(r)["id"]
	if _, err := h.targets.Get(id); err != nil {
		h.writeTargetError(w, err)
		return
	}

	httputil.WriteSuccess(w, h.targets.Stats(id))
}

func (h *TargetHandlers) writeTargetError(w http.ResponseWriter, err error) {
	if errors.Is(err, notify.ErrTargetNotFound) {
		httputil.WriteNotFoundError(w, "notification target not found")
		return
	}
	httputil.WriteBadRequest(w, err.Error())
}
