package ducobox

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
)

type restHandler struct {
	fleet fleet
}

func registerRoutes(router *mux.Router, f fleet) {
	h := &restHandler{fleet: f}
	api := router.PathPrefix("/api/ducobox").Subrouter()
	api.HandleFunc("/devices", h.listDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}", h.getDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/state", h.getState).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/ventilation_state", h.setState).Methods(http.MethodPut)
	api.HandleFunc("/devices/{id}/refresh", h.refresh).Methods(http.MethodPost)
}

func (h *restHandler) listDevices(w http.ResponseWriter, _ *http.Request) {
	devices := make([]map[string]any, 0)
	for _, d := range h.fleet.Devices() {
		devices = append(devices, deviceView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (h *restHandler) getDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, deviceView(d))
}

func (h *restHandler) getState(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	if d.Serial() == "" {
		writeError(w, ErrNotReady)
		return
	}
	writeJSON(w, http.StatusOK, stateView(d))
}

func (h *restHandler) setState(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.State == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "body must be {\"state\": \"<state>\"}"})
		return
	}
	if d.Coordinator == nil {
		writeError(w, ErrNotReady)
		return
	}
	if err := d.Coordinator.SetVentilationState(r.Context(), body.State); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateView(d))
}

func (h *restHandler) refresh(w http.ResponseWriter, r *http.Request) {
	d, ok := h.device(w, r)
	if !ok {
		return
	}
	if d.Coordinator == nil {
		writeError(w, ErrNotReady)
		return
	}
	if err := d.Coordinator.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateView(d))
}

func (h *restHandler) device(w http.ResponseWriter, r *http.Request) (*Device, bool) {
	d, err := h.fleet.Lookup(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return nil, false
	}
	return d, true
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotReady):
		code = http.StatusServiceUnavailable
	case errors.Is(err, ErrInvalidState):
		code = http.StatusBadRequest
	case errors.Is(err, ErrCommandRejected):
		code = http.StatusConflict
	case errors.Is(err, ErrTimeout):
		code = http.StatusGatewayTimeout
	case errors.Is(err, ErrConnectivity):
		code = http.StatusBadGateway
	}
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
