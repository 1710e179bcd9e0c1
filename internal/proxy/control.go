// SPDX-License-Identifier: MIT

package proxy

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/frlproxy/frlproxy/internal/protocol"
	"github.com/frlproxy/frlproxy/internal/version"
)

// statusBody is the health summary served on GET /status.
type statusBody struct {
	StatusCode  int               `json:"statusCode"`
	Status      string            `json:"status"`
	Version     string            `json:"version"`
	Mode        string            `json:"mode"`
	Uptime      string            `json:"uptime"`
	Pending     map[string]int    `json:"pending"`
	LastForward map[string]string `json:"lastForward"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.PendingCount(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "journal unavailable")
		return
	}
	pending := map[string]int{
		"license": counts[protocol.TargetLicense],
		"log":     counts[protocol.TargetLog],
	}
	lastForward := make(map[string]string, 2)
	for name, target := range map[string]protocol.Target{
		"license": protocol.TargetLicense,
		"log":     protocol.TargetLog,
	} {
		ts, err := s.store.LastForward(r.Context(), target)
		if err != nil || ts.IsZero() {
			lastForward[name] = ""
			continue
		}
		lastForward[name] = ts.UTC().Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, statusBody{
		StatusCode:  http.StatusOK,
		Status:      "ok",
		Version:     version.Version,
		Mode:        s.mode.Get(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Pending:     pending,
		LastForward: lastForward,
	})
}

// controlSecret gates the /control endpoints when a secret is configured.
func (s *Server) controlSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ControlSecret != "" {
			got := r.Header.Get("X-Control-Secret")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.ControlSecret)) != 1 {
				s.writeError(w, r, http.StatusUnauthorized, "missing or invalid control secret")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type modeBody struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var body modeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid mode body")
		return
	}
	previous := s.mode.Get()
	if err := s.mode.Set(body.Mode); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info().
		Str("event", "control.mode_changed").
		Str("from", previous).
		Str("to", body.Mode).
		Msg("operating mode switched")
	if s.fwd != nil {
		// Leaving isolation should drain the backlog promptly.
		s.fwd.Wake()
	}
	s.writeJSON(w, http.StatusOK, modeBody{Mode: body.Mode})
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	if s.fwd == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "forwarder not running")
		return
	}
	result, err := s.fwd.Drain(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.logger.Info().
		Str("event", "control.forward").
		Int("forwarded", result.Forwarded).
		Int("failed", result.Failed).
		Int("remaining", result.Remaining).
		Msg("manual drain finished")
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="frlproxy-export.ndjson"`)

	var err error
	if r.URL.Query().Get("what") == "responses" {
		_, err = s.store.ExportResponses(r.Context(), w, s.originID)
	} else {
		_, err = s.store.ExportPending(r.Context(), w, s.originID)
	}
	if err != nil {
		// Headers are gone; all we can do is log.
		s.logger.Error().Str("event", "control.export_failed").Err(err).Msg("export failed")
	}
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	result, err := s.store.Import(r.Context(), r.Body)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info().
		Str("event", "control.import").
		Int("requests", result.Requests).
		Int("responses", result.Responses).
		Int("skipped", result.Skipped).
		Msg("import finished")
	if s.fwd != nil {
		s.fwd.Wake()
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
