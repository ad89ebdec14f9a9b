package ingest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/earshotlabs/earshot/internal/store"
)

// minTokenLength is the shortest device token the admin API accepts.
const minTokenLength = 16

// deviceResponse is the device DTO shared by all admin endpoints. It never
// carries the token hash.
type deviceResponse struct {
	DeviceID   uuid.UUID  `json:"device_id"`
	PointID    string     `json:"point_id"`
	RegisterID string     `json:"register_id"`
	IsEnabled  bool       `json:"is_enabled"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at"`
}

func newDeviceResponse(d *store.Device) deviceResponse {
	return deviceResponse{
		DeviceID:   d.DeviceID,
		PointID:    d.PointID,
		RegisterID: d.RegisterID,
		IsEnabled:  d.IsEnabled,
		CreatedAt:  d.CreatedAt,
		LastSeenAt: d.LastSeenAt,
	}
}

// createDeviceRequest registers a recorder. The plaintext token is hashed
// immediately and discarded; is_enabled defaults to true.
type createDeviceRequest struct {
	PointID    string    `json:"point_id"`
	RegisterID string    `json:"register_id"`
	DeviceID   uuid.UUID `json:"device_id"`
	TokenPlain string    `json:"token_plain"`
	IsEnabled  *bool     `json:"is_enabled"`
}

// handleCreateDevice handles POST /api/v1/admin/devices.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.DeviceID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if req.PointID == "" {
		writeError(w, http.StatusBadRequest, "point_id is required")
		return
	}
	if req.RegisterID == "" {
		writeError(w, http.StatusBadRequest, "register_id is required")
		return
	}
	if len(req.TokenPlain) < minTokenLength {
		writeError(w, http.StatusBadRequest, "token_plain must be at least 16 characters")
		return
	}

	enabled := true
	if req.IsEnabled != nil {
		enabled = *req.IsEnabled
	}
	device := &store.Device{
		DeviceID:   req.DeviceID,
		PointID:    req.PointID,
		RegisterID: req.RegisterID,
		TokenHash:  HashToken(req.TokenPlain),
		IsEnabled:  enabled,
	}
	if err := s.devices.Create(r.Context(), device); err != nil {
		if errors.Is(err, store.ErrDeviceExists) {
			writeError(w, http.StatusConflict, "Device already exists")
			return
		}
		slog.Error("device create failed", "device_id", req.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	slog.Info("device created",
		"device_id", device.DeviceID, "point_id", device.PointID)
	writeJSON(w, http.StatusCreated, newDeviceResponse(device))
}

// handleListDevices handles GET /api/v1/admin/devices, newest first.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.List(r.Context())
	if err != nil {
		slog.Error("device list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	resp := make([]deviceResponse, 0, len(devices))
	for i := range devices {
		resp = append(resp, newDeviceResponse(&devices[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// updateDeviceRequest toggles a device; absent fields leave the device
// unchanged.
type updateDeviceRequest struct {
	IsEnabled *bool `json:"is_enabled"`
}

// handleUpdateDevice handles PATCH /api/v1/admin/devices/{deviceID}.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, err := uuid.Parse(r.PathValue("deviceID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid device_id")
		return
	}
	var req updateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var device *store.Device
	if req.IsEnabled != nil {
		device, err = s.devices.SetEnabled(r.Context(), deviceID, *req.IsEnabled)
	} else {
		device, err = s.devices.Get(r.Context(), deviceID)
	}
	if err != nil {
		slog.Error("device update failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if device == nil {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}

	slog.Info("device updated",
		"device_id", device.DeviceID, "is_enabled", device.IsEnabled)
	writeJSON(w, http.StatusOK, newDeviceResponse(device))
}
