// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"

	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/events"
	"grimm.is/flymesh/internal/registry"
)

// Client devices are user-owned endpoints (laptops, phones) holding an
// overlay lease from the same pool as the nodes.

type deviceRegisterRequest struct {
	DeviceID   string `json:"device_id"`
	UserID     string `json:"user_id"`
	Name       string `json:"device_name"`
	DeviceType string `json:"device_type"`
	PublicKey  string `json:"public_key"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRegisterRequest
	if !BindJSONLenient(w, r, &req) {
		return
	}
	device, evts, err := s.store.RegisterDevice(r.Context(), registry.RegisterDeviceParams{
		DeviceID:   req.DeviceID,
		UserID:     req.UserID,
		Name:       req.Name,
		DeviceType: req.DeviceType,
		PublicKey:  req.PublicKey,
	}, adminActor(r))
	if err != nil {
		if errors.IsKind(err, errors.KindPoolExhausted) {
			s.publish(events.New(events.IPPoolExhausted, map[string]any{
				"device_id": req.DeviceID,
				"cidr":      s.cfg.Network.OverlayCIDR,
			}, "api"))
		}
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	WriteJSON(w, http.StatusCreated, device)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if devices == nil {
		devices = []*registry.ClientDevice{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"devices": devices, "total": len(devices)})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.store.GetDevice(r.Context(), r.PathValue("device_id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, device)
}

// handleRevokeDevice cuts the device off without releasing its lease,
// so a readmitted device keeps a stable address.
func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if !BindJSONLenient(w, r, &req) {
		return
	}
	device, evts, err := s.store.RevokeDevice(r.Context(), r.PathValue("device_id"), req.Reason, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Device " + device.DeviceID + " revoked",
		"data":    device,
	})
}

// handleDeleteDevice removes the device and returns its lease to the
// pool.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	evts, err := s.store.DeleteDevice(r.Context(), r.PathValue("device_id"), adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	w.WriteHeader(http.StatusNoContent)
}
