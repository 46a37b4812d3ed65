package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mbocsi/deviceio/client"
	"github.com/mbocsi/deviceio/proto"
)

const maxBodySize = 1 << 20

// ---------- device protocol ---------- //

func (s *Server) handlePostEnvelope(w http.ResponseWriter, r *http.Request) {
	var env proto.Envelope
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&env); err != nil {
		http.Error(w, "invalid envelope: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := env.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	token, _ := client.TokenFromAuth(r.Header.Get(client.AuthHeader))

	switch s.registry.authorize(env.ProxyID, token) {
	case authUnknown:
		if !s.opts.AutoProvision {
			slog.Info("Rejected unknown proxy", "proxy_id", env.ProxyID)
			writeJSON(w, http.StatusOK, proto.StatusResponse{Status: proto.StatusUnknown})
			return
		}
		if _, err := s.registry.Provision(env.ProxyID, ""); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Info("Auto-provisioned proxy", "proxy_id", env.ProxyID)
		s.rejectStaleToken(w, env.ProxyID)
		return
	case authStale:
		s.rejectStaleToken(w, env.ProxyID)
		return
	}

	s.accept(env)
	writeJSON(w, http.StatusOK, proto.StatusResponse{Status: proto.StatusAck})
}

func (s *Server) rejectStaleToken(w http.ResponseWriter, proxyID string) {
	token, err := s.registry.IssueToken(proxyID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("Issued a new auth token", "proxy_id", proxyID)
	writeJSON(w, http.StatusOK, proto.StatusResponse{Status: proto.StatusUnauthorized, AuthToken: token})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	timeout := s.opts.MaxPollTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = min(time.Duration(secs)*time.Second, s.opts.MaxPollTimeout)
	}

	token, _ := client.TokenFromAuth(r.Header.Get(client.AuthHeader))
	switch s.registry.authorize(id, token) {
	case authUnknown:
		http.Error(w, "unknown proxy", http.StatusNotFound)
		return
	case authStale:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	queue, ok := s.registry.Queue(id)
	if !ok {
		http.Error(w, "unknown proxy", http.StatusNotFound)
		return
	}
	cmds := queue.Take(r.Context(), timeout)
	if len(cmds) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.registry.MarkDelivered(id, cmds)
	slog.Debug("Delivered commands", "proxy_id", id, "count", len(cmds))
	writeJSON(w, http.StatusOK, proto.PollResponse{Commands: cmds})
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

// ---------- admin ---------- //

type provisionRequest struct {
	ProxyID string `json:"proxyId"`
	Token   string `json:"token,omitempty"`
}

type commandRequest struct {
	CommandID string            `json:"commandId,omitempty"`
	DeviceID  string            `json:"deviceId,omitempty"`
	Type      int               `json:"type,omitempty"`
	Params    []proto.Parameter `json:"params,omitempty"`
}

func (c commandRequest) command() proto.Command {
	return proto.Command{CommandID: c.CommandID, DeviceID: c.DeviceID, Type: c.Type, Params: c.Params}
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleProvisionProxy(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	info, err := s.registry.Provision(req.ProxyID, req.Token)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	slog.Info("Provisioned proxy", "proxy_id", info.ID)
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetProxy(w http.ResponseWriter, r *http.Request) {
	info, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	records, err := s.registry.Commands(chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleQueueCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "invalid command: "+err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.QueueCommand(chi.URLParam(r, "id"), req.command())
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"commandId": rec.Command.CommandID})
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownProxy), errors.Is(err, ErrUnknownCommand):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write JSON response", "error", err)
	}
}
