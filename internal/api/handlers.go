package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/scarecrow-farm/scarecrow-server/internal/aggregate"
	"github.com/scarecrow-farm/scarecrow-server/internal/ingest"
	"github.com/scarecrow-farm/scarecrow-server/internal/models"
	"github.com/scarecrow-farm/scarecrow-server/internal/storage"
	"github.com/scarecrow-farm/scarecrow-server/internal/tracker"
	"github.com/scarecrow-farm/scarecrow-server/pkg/crypto"
)

// HandleHealth reports service health
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"server":  s.config.Server.Name,
		"version": s.config.Server.Version,
	})
}

// ========== Device handlers ==========

// deviceView joins the stored device with its liveness state
type deviceView struct {
	*models.Device
	State models.ConnState `json:"state"`
}

func (s *RESTServer) deviceState(id string) models.ConnState {
	status, err := s.tracker.Status(id)
	if err != nil {
		return models.ConnStateUnknown
	}
	return status.State
}

// HandleListDevices lists devices with their liveness state
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	includeDisabled := r.URL.Query().Get("include_disabled") == "true"

	devices, err := s.store.ListDevices(r.Context(), includeDisabled)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]deviceView, 0, len(devices))
	for _, device := range devices {
		views = append(views, deviceView{Device: device, State: s.deviceState(device.ID)})
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": views,
		"total":   len(views),
	})
}

// HandleGetDevice gets one device with its liveness state
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "device_id")

	device, err := s.store.GetDevice(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, deviceView{Device: device, State: s.deviceState(id)})
}

// HandleCreateDevice registers a device and issues its ingest token.
// The token is returned once and only its hash is stored.
func (s *RESTServer) HandleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Location string `json:"location"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ID == "" {
		s.respondError(w, http.StatusBadRequest, "id is required")
		return
	}
	if req.Name == "" {
		req.Name = req.ID
	}

	token, err := crypto.GenerateToken()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	hash, err := crypto.HashToken(token)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	device := &models.Device{
		ID:        req.ID,
		Name:      req.Name,
		Location:  req.Location,
		TokenHash: hash,
	}

	if err := s.store.CreateDevice(r.Context(), device); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			s.respondError(w, http.StatusConflict, "device already exists")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"device":       device,
		"ingest_token": token,
	})
}

// HandleDeactivateDevice deactivates a device. Devices are never
// deleted; their event history stays queryable.
func (s *RESTServer) HandleDeactivateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "device_id")

	device, err := s.store.GetDevice(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	device.IsDisabled = true
	if err := s.store.UpdateDevice(r.Context(), device); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// ========== Event handlers ==========

// HandleListEvents lists event log pages, newest first
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.EventFilter{
		DeviceID: q.Get("device"),
		Order:    storage.OrderDesc,
	}

	if cats := q.Get("category"); cats != "" {
		for _, c := range strings.Split(cats, ",") {
			filter.Categories = append(filter.Categories,
				models.EventCategory(strings.ToUpper(strings.TrimSpace(c))))
		}
	}

	if sev := q.Get("severity"); sev != "" {
		severity := models.Severity(strings.ToUpper(sev))
		filter.Severity = &severity
	}

	if window := q.Get("window"); window != "" {
		w2, err := parseWindow(window, time.Now())
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Start = &w2.Start
		filter.End = &w2.End
	} else {
		if start := q.Get("start"); start != "" {
			t, err := time.Parse(time.RFC3339, start)
			if err != nil {
				s.respondError(w, http.StatusBadRequest, "invalid start time")
				return
			}
			filter.Start = &t
		}
		if end := q.Get("end"); end != "" {
			t, err := time.Parse(time.RFC3339, end)
			if err != nil {
				s.respondError(w, http.StatusBadRequest, "invalid end time")
				return
			}
			filter.End = &t
		}
	}

	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	if filter.Limit == 0 {
		filter.Limit = 50
	}
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	events, total, err := s.store.QueryEvents(r.Context(), filter)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// ========== Summary handler ==========

// HandleSummary computes the dashboard rollup for a window. Windows
// are named (today/yesterday/week) or an arbitrary start/end range.
func (s *RESTServer) HandleSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var window aggregate.Window
	if q.Get("start") != "" || q.Get("end") != "" {
		start, err := time.Parse(time.RFC3339, q.Get("start"))
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid start time")
			return
		}
		end, err := time.Parse(time.RFC3339, q.Get("end"))
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid end time")
			return
		}
		if !end.After(start) {
			s.respondError(w, http.StatusBadRequest, "end must be after start")
			return
		}
		window = aggregate.Window{Start: start, End: end}
	} else {
		name := q.Get("window")
		if name == "" {
			name = "today"
		}
		var err error
		window, err = parseWindow(name, time.Now())
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var deviceIDs []string
	if devices := q.Get("devices"); devices != "" {
		for _, id := range strings.Split(devices, ",") {
			if id = strings.TrimSpace(id); id != "" {
				deviceIDs = append(deviceIDs, id)
			}
		}
	}

	summary, err := s.engine.Summarize(r.Context(), deviceIDs, window)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, summary)
}

// parseWindow resolves a named aggregation window
func parseWindow(name string, now time.Time) (aggregate.Window, error) {
	switch name {
	case "today":
		return aggregate.Today(now), nil
	case "yesterday":
		return aggregate.Yesterday(now), nil
	case "week":
		return aggregate.ThisWeek(now), nil
	default:
		return aggregate.Window{}, errors.New("unknown window: " + name)
	}
}

// ========== Alert handlers ==========

// HandleListAlerts lists fired alerts, newest first
func (s *RESTServer) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit == 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	alerts, total, err := s.store.ListAlerts(r.Context(), q.Get("device"), limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"total":  total,
	})
}

// ========== Ingest handler ==========

// HandleIngest accepts one telemetry envelope over the HTTPS webhook
// transport, authenticated by the device ingest token.
func (s *RESTServer) HandleIngest(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")

	device, err := s.store.GetDevice(r.Context(), deviceID)
	if err == nil {
		token := r.Header.Get("X-Ingest-Token")
		if device.TokenHash != "" && !crypto.VerifyToken(token, device.TokenHash) {
			s.respondError(w, http.StatusUnauthorized, "invalid ingest token")
			return
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Unknown devices fall through: the gateway decides between
	// auto-registration and rejection.

	var env ingest.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	event, err := s.gateway.Submit(r.Context(), deviceID, env)
	switch {
	case errors.Is(err, ingest.ErrInvalidMessage):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ingest.ErrUnknownDevice):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrStorageUnavailable):
		s.respondError(w, http.StatusServiceUnavailable, "storage unavailable, retry with backoff")
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	default:
		s.respondJSON(w, http.StatusAccepted, event)
	}
}

// ========== Live handler ==========

// HandleLive upgrades to a websocket session streaming live updates
func (s *RESTServer) HandleLive(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		s.respondError(w, http.StatusServiceUnavailable, "live updates not configured")
		return
	}
	s.live.ServeHTTP(w, r)
}

// HandleDeviceStatus returns the liveness view of one device
func (s *RESTServer) HandleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "device_id")

	status, err := s.tracker.Status(id)
	if errors.Is(err, tracker.ErrUnknownDevice) {
		s.respondError(w, http.StatusNotFound, "unknown device")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, status)
}
