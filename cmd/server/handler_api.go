package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/avaropoint/devmirror/internal/fleet"
	"github.com/avaropoint/devmirror/internal/security"
	"github.com/avaropoint/devmirror/internal/store"
	"github.com/avaropoint/devmirror/internal/version"
)

// deviceView is a descriptor plus the number of open streams to it.
type deviceView struct {
	fleet.DeviceDescriptor
	Streams int `json:"streams"`
}

func (s *Server) view(d fleet.DeviceDescriptor) deviceView {
	return deviceView{DeviceDescriptor: d, Streams: s.counter.Count(d.UDID)}
}

type status struct {
	Version  string         `json:"version"`
	Devices  int            `json:"devices"`
	Streams  map[string]int `json:"streams"`
	Channels []string       `json:"channels"`
}

// handleStatus reports the build, fleet size and open agent streams.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, status{
		Version:  version.Version,
		Devices:  len(s.tracker.Snapshot()),
		Streams:  s.counter.Snapshot(),
		Channels: s.registry.Codes(),
	})
}

// handleListDevices returns the descriptor cache.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.tracker.Snapshot()
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, s.view(d))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.tracker.Device(mux.Vars(r)["udid"])
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, s.view(d))
}

// handleEnsureAgent runs one agent lifecycle pass and then refreshes the
// fleet so the new pid reaches subscribers.
func (s *Server) handleEnsureAgent(w http.ResponseWriter, r *http.Request) {
	udid := mux.Vars(r)["udid"]
	if _, ok := s.tracker.Device(udid); !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	agent, err := s.agents.Ensure(r.Context(), udid)
	if err != nil {
		s.log.Warn("agent start failed", zap.String("udid", udid), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.refresh()
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	udid := mux.Vars(r)["udid"]
	if _, ok := s.tracker.Device(udid); !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err := s.agents.Stop(r.Context(), udid); err != nil {
		s.log.Warn("agent stop failed", zap.String("udid", udid), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.refresh()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// refresh re-resolves the fleet in the background, detached from the
// request that asked for it.
func (s *Server) refresh() {
	go func() {
		if err := s.tracker.Refresh(context.Background()); err != nil {
			s.log.Warn("fleet refresh failed", zap.Error(err))
		}
	}()
}

// handleHistory lists every device ever recorded, connected or not.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	if records == nil {
		records = []*store.DeviceRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	udid := mux.Vars(r)["udid"]
	if _, ok := s.tracker.Device(udid); ok {
		writeError(w, http.StatusConflict, "device is attached")
		return
	}
	if err := s.store.DeleteDevice(r.Context(), udid); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.ListAPIKeys(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	if keys == nil {
		keys = []*store.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAPIKey(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleAuthVerify validates an API key.
func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key required")
		return
	}

	apiKey, err := s.store.VerifyAPIKey(r.Context(), security.HashAPIKey(req.Key))
	if err != nil || apiKey == nil {
		writeError(w, http.StatusUnauthorized, "invalid API key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "name": apiKey.Name})
}
