package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/skiffhq/skiff/pkg/checksum"
	"github.com/skiffhq/skiff/pkg/config"
	"github.com/skiffhq/skiff/pkg/provision"
	"github.com/skiffhq/skiff/pkg/supervisor"
)

type agentView struct {
	Name         string   `json:"name"`
	Hash         string   `json:"hash"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	State        string   `json:"state"`
	Port         int      `json:"port,omitempty"`
	Restarts     int      `json:"restarts"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	instances := make(map[string]supervisor.StatusView)
	for _, v := range s.sup.List() {
		instances[v.Name] = v
	}

	agents := make([]agentView, 0)
	for _, rec := range s.index.List() {
		view := agentView{
			Name:         rec.Name,
			Hash:         rec.Hash,
			Version:      rec.Version,
			Capabilities: rec.Capabilities,
			State:        string(supervisor.StateStopped),
		}
		if inst, ok := instances[rec.Name]; ok {
			view.State = string(inst.State)
			view.Port = inst.Port
			view.Restarts = inst.Restarts
		}
		agents = append(agents, view)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (s *Server) handleCheckAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rec, err := s.index.ByName(name)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"exists": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"exists": true,
		"name":   rec.Name,
		"hash":   rec.Hash,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload: "+err.Error())
		return
	}

	name := r.FormValue("name")
	force, _ := strconv.ParseBool(r.FormValue("force"))

	if name != "" {
		unlock := s.lockName(name)
		defer unlock()
	}

	result, err := s.provisioner.Provision(r.Context(), data, name, force)
	if err != nil {
		status := http.StatusInternalServerError
		var installErr *provision.InstallError
		switch {
		case errors.Is(err, config.ErrMissingManifest):
			status = http.StatusBadRequest
		case errors.As(err, &installErr):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, checksum.ErrDuplicateHash):
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}

	status := "deployed"
	if result.Cached {
		status = "exists"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"agent_name": result.Record.Name,
		"hash":       result.Record.Hash,
	})

	if !result.Cached {
		s.sup.Register(result.Record.Name)
	}
}

type lifecycleRequest struct {
	AgentName string `json:"agent_name"`
}

func decodeLifecycle(r *http.Request) (string, error) {
	var req lifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", fmt.Errorf("invalid request body")
	}
	if req.AgentName == "" {
		return "", fmt.Errorf("agent_name is required")
	}
	return req.AgentName, nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name, err := decodeLifecycle(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := s.sup.Start(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "started",
		"agent_name": name,
		"port":       view.Port,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name, err := decodeLifecycle(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.sup.Stop(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "agent": name})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	name, err := decodeLifecycle(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := s.sup.Restart(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	view, err := s.sup.Status(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	view, err := s.sup.Status(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if view.Diagnostic == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"agent": name,
			"state": view.State,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent":      name,
		"state":      view.State,
		"diagnostic": view.Diagnostic,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	unlock := s.lockName(name)
	defer unlock()

	if view, err := s.sup.Status(name); err == nil {
		if view.State == supervisor.StateRunning || view.State == supervisor.StateStarting {
			writeError(w, http.StatusConflict, "agent is running; stop it first")
			return
		}
	}

	if err := s.provisioner.Remove(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.sup.Forget(name)
	slog.Info("agent removed", "agent", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "agent": name})
}
