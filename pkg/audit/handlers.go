package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// Handlers exposes the audit trail over HTTP.
type Handlers struct {
	store Store
}

// NewHandlers creates the audit HTTP handlers.
func NewHandlers(store Store) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes mounts the audit routes. Callers put the router behind
// admin authentication.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/events", h.listEvents).Methods(http.MethodGet)
	router.HandleFunc("/audit/events/{id}", h.getEvent).Methods(http.MethodGet)
	router.HandleFunc("/audit/export", h.exportEvents).Methods(http.MethodGet)
	router.HandleFunc("/audit/stats", h.getStats).Methods(http.MethodGet)
}

func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	filter := parseFilter(r)

	events, err := h.store.Search(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"events": events,
		"count":  len(events),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (h *Handlers) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid event id", http.StatusBadRequest)
		return
	}

	event, err := h.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if event == nil {
		http.Error(w, "event not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(event)
}

func (h *Handlers) exportEvents(w http.ResponseWriter, r *http.Request) {
	filter := parseFilter(r)

	format := ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = ExportFormatJSON
	}

	data, err := h.store.Export(r.Context(), filter, format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch format {
	case ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=audit-events.csv")
	case ExportFormatNDJSON:
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", "attachment; filename=audit-events.ndjson")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", "attachment; filename=audit-events.json")
	}

	w.Write(data)
}

func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request) {
	var startTime, endTime *time.Time

	if t, ok := parseTime(r.URL.Query().Get("start_time")); ok {
		startTime = &t
	}
	if t, ok := parseTime(r.URL.Query().Get("end_time")); ok {
		endTime = &t
	}

	stats, err := h.store.GetStats(r.Context(), startTime, endTime)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// parseFilter builds a SearchFilter from query parameters. Unparseable
// values are ignored rather than rejected.
func parseFilter(r *http.Request) SearchFilter {
	query := r.URL.Query()
	filter := SearchFilter{}

	if t, ok := parseTime(query.Get("start_time")); ok {
		filter.StartTime = &t
	}
	if t, ok := parseTime(query.Get("end_time")); ok {
		filter.EndTime = &t
	}

	filter.ActorID = query.Get("actor_id")
	filter.ActorEmail = query.Get("actor_email")
	filter.AccountID = query.Get("account_id")
	filter.ProviderID = query.Get("provider_id")

	if eventTypes := query.Get("event_types"); eventTypes != "" {
		for _, et := range strings.Split(eventTypes, ",") {
			if et = strings.TrimSpace(et); et != "" {
				filter.EventTypes = append(filter.EventTypes, EventType(et))
			}
		}
	}

	if statusStr := query.Get("status"); statusStr != "" {
		status := EventStatus(statusStr)
		filter.Status = &status
	}

	filter.ResourceType = ResourceType(query.Get("resource_type"))
	filter.ResourceID = query.Get("resource_id")
	filter.IPAddress = query.Get("ip_address")

	filter.Limit = 100
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(query.Get("offset")); err == nil && offset > 0 {
		filter.Offset = offset
	}

	filter.SortBy = query.Get("sort_by")
	filter.SortOrder = query.Get("sort_order")

	return filter
}

func parseTime(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
