// SPDX-License-Identifier: MIT

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/frlproxy/frlproxy/internal/config"
	"github.com/frlproxy/frlproxy/internal/metrics"
	"github.com/frlproxy/frlproxy/internal/protocol"
	"github.com/frlproxy/frlproxy/internal/store"
	"github.com/frlproxy/frlproxy/internal/upstream"
	"github.com/frlproxy/frlproxy/internal/version"
)

const refreshTimeout = 90 * time.Second

// forwardResult carries one coalesced upstream exchange between the
// singleflight leader and its sharers.
type forwardResult struct {
	resp *upstream.Response
	err  error
}

// handleProxy is the catch-all for licensing traffic. It classifies the
// request and dispatches on kind and operating mode.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	mode := s.mode.Get()

	limit := int64(max(s.cfg.LicenseBodyLimitKB, s.cfg.LogBodyLimitKB)) * 1024
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.writeError(w, r, http.StatusBadRequest, "unreadable request body")
		return
	}

	cls, err := protocol.Classify(r.Method, r.URL.Path, r.URL.Query(), r.Header, body)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(string(protocol.KindUnknown), mode, "rejected").Inc()
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// License bodies have a tighter cap than log payloads.
	if cls.Target == protocol.TargetLicense && len(body) > s.cfg.LicenseBodyLimitKB*1024 {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	switch cls.Kind {
	case protocol.KindFrlActivation:
		s.handleActivation(w, r, mode, cls, body)
	case protocol.KindFrlDeactivate, protocol.KindLogUpload:
		s.handleSyncForward(w, r, mode, cls, body)
	case protocol.KindHealth:
		// Sloppy paths like //status miss the router; serve them here.
		s.handleStatus(w, r)
	case protocol.KindControl:
		s.writeError(w, r, http.StatusNotFound, "not found")
	default:
		// Unclassified traffic is relayed untouched, but only when it is
		// actually aimed at an Adobe service.
		if !isAdobeHost(r.Host) {
			metrics.RequestsTotal.WithLabelValues(string(protocol.KindUnknown), mode, "rejected").Inc()
			s.writeError(w, r, http.StatusNotFound, "not found")
			return
		}
		metrics.RequestsTotal.WithLabelValues(string(protocol.KindUnknown), mode, "passthrough").Inc()
		if mode == config.ModeIsolated {
			s.writeError(w, r, http.StatusBadGateway, "upstream unreachable in isolated mode")
			return
		}
		s.passthrough(w, r, protocol.TargetLicense, body)
	}
}

// isAdobeHost reports whether the request names an Adobe endpoint, directly
// or through a proxy-aware client.
func isAdobeHost(host string) bool {
	return strings.Contains(strings.ToLower(host), ".adobe.")
}

func (s *Server) handleActivation(w http.ResponseWriter, r *http.Request, mode string, cls protocol.Classification, body []byte) {
	if mode == config.ModePassthrough {
		metrics.RequestsTotal.WithLabelValues(string(cls.Kind), mode, "passthrough").Inc()
		s.passthrough(w, r, cls.Target, body)
		return
	}

	req := s.journal(r, cls, body)
	if req == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "journal unavailable")
		return
	}

	if cached, err := s.store.LookupCachedResponse(r.Context(), cls.Fingerprint); err == nil {
		if err := s.store.MarkAnsweredFromCache(r.Context(), req.ID, time.Now()); err != nil {
			s.logger.Error().Str("event", "proxy.journal_error").Err(err).Msg("failed to resolve cached request")
		}
		metrics.CacheHitsTotal.Inc()
		metrics.RequestsTotal.WithLabelValues(string(cls.Kind), mode, "cache_hit").Inc()
		if mode == config.ModeConnected {
			s.refreshInBackground(req)
		}
		s.relay(w, r, cached.Status, cached.Headers, cached.Body)
		return
	}

	if mode == config.ModeIsolated {
		metrics.RequestsTotal.WithLabelValues(string(cls.Kind), mode, "queued").Inc()
		s.writeError(w, r, http.StatusBadGateway, "no cached license available in isolated mode")
		return
	}

	// Connected miss: identical concurrent activations share one upstream
	// exchange. The forward is detached from the request context so a client
	// hanging up cannot abort it; the per-attempt timeout still bounds it.
	v, _, shared := s.sf.Do(cls.Fingerprint, func() (any, error) {
		resp, err := s.client.Do(context.WithoutCancel(r.Context()), req)
		if err == nil {
			err = s.recordForward(req, resp)
		} else if ferr := s.store.RecordFailure(context.WithoutCancel(r.Context()), req.ID, time.Now(), err.Error(), upstream.AttemptCount(resp, err)); ferr != nil {
			s.logger.Error().Str("event", "proxy.journal_error").Err(ferr).Msg("failed to record forward failure")
		}
		return forwardResult{resp: resp, err: err}, nil
	})
	result := v.(forwardResult)

	if shared && result.err == nil {
		// A sharer still resolves its own journal entry.
		if err := s.recordForward(req, result.resp); err != nil {
			s.logger.Error().Str("event", "proxy.journal_error").Err(err).Msg("failed to record coalesced forward")
		}
	}

	s.finishSyncForward(w, r, mode, cls, result)
}

// handleSyncForward covers deactivations and log uploads: both forward
// synchronously when connected and defer with 204 when isolated.
func (s *Server) handleSyncForward(w http.ResponseWriter, r *http.Request, mode string, cls protocol.Classification, body []byte) {
	if mode == config.ModePassthrough {
		metrics.RequestsTotal.WithLabelValues(string(cls.Kind), mode, "passthrough").Inc()
		s.passthrough(w, r, cls.Target, body)
		return
	}

	req := s.journal(r, cls, body)
	if req == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "journal unavailable")
		return
	}

	if mode == config.ModeIsolated {
		// Deferred: the forwarder (or an export) delivers it later.
		metrics.RequestsTotal.WithLabelValues(string(cls.Kind), mode, "queued").Inc()
		w.Header().Set("Via", version.Via())
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Detached from the request context: a disconnected client must not
	// abort the forward once the request is journaled.
	resp, err := s.client.Do(context.WithoutCancel(r.Context()), req)
	if err == nil {
		err = s.recordForward(req, resp)
	} else if ferr := s.store.RecordFailure(context.WithoutCancel(r.Context()), req.ID, time.Now(), err.Error(), upstream.AttemptCount(resp, err)); ferr != nil {
		s.logger.Error().Str("event", "proxy.journal_error").Err(ferr).Msg("failed to record forward failure")
	}
	s.finishSyncForward(w, r, mode, cls, forwardResult{resp: resp, err: err})
}

// finishSyncForward relays the outcome of a synchronous forward. A
// definitive upstream answer is relayed byte for byte; a transient failure
// leaves the request queued and answers 502 (or the upstream's own transient
// status when one arrived).
func (s *Server) finishSyncForward(w http.ResponseWriter, r *http.Request, mode string, cls protocol.Classification, result forwardResult) {
	if result.err != nil {
		metrics.RequestsTotal.WithLabelValues(string(cls.Kind), mode, "queued").Inc()
		if result.resp != nil {
			s.relay(w, r, result.resp.Status, result.resp.Headers, result.resp.Body)
			return
		}
		s.writeError(w, r, http.StatusBadGateway, "upstream unreachable, request queued")
		return
	}
	metrics.RequestsTotal.WithLabelValues(string(cls.Kind), mode, "forwarded").Inc()
	s.relay(w, r, result.resp.Status, result.resp.Headers, result.resp.Body)
}

// journal stores the inbound request as PENDING, returning nil on failure.
func (s *Server) journal(r *http.Request, cls protocol.Classification, body []byte) *store.StoredRequest {
	req := &store.StoredRequest{
		ID:          uuid.NewString(),
		Kind:        cls.Kind,
		Target:      cls.Target,
		Fingerprint: cls.Fingerprint,
		GroupKey:    cls.GroupKey,
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       r.URL.RawQuery,
		Headers:     upstream.CaptureHeaders(r.Header),
		Body:        body,
		ReceivedAt:  time.Now(),
	}
	if err := s.store.InsertRequest(r.Context(), req); err != nil {
		s.logger.Error().Str("event", "proxy.journal_error").Err(err).Msg("failed to journal request")
		return nil
	}
	return req
}

func (s *Server) recordForward(req *store.StoredRequest, resp *upstream.Response) error {
	return s.store.RecordOutcome(context.Background(), req, &store.StoredResponse{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		Status:     resp.Status,
		Headers:    resp.Headers,
		Body:       resp.Body,
		Attempts:   resp.Attempts,
		ReceivedAt: time.Now(),
	})
}

// refreshInBackground revalidates a cache-served activation against the
// live upstream so the cached license stays fresh.
func (s *Server) refreshInBackground(req *store.StoredRequest) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		resp, err := s.client.Do(ctx, req)
		if err != nil {
			s.logger.Debug().
				Str("event", "proxy.refresh_failed").
				Str("request_id", req.ID).
				Err(err).
				Msg("background cache refresh failed")
			return
		}
		if err := s.store.RecordRefresh(ctx, req, &store.StoredResponse{
			ID:         uuid.NewString(),
			RequestID:  req.ID,
			Status:     resp.Status,
			Headers:    resp.Headers,
			Body:       resp.Body,
			ReceivedAt: time.Now(),
		}); err != nil {
			s.logger.Error().Str("event", "proxy.journal_error").Err(err).Msg("failed to record cache refresh")
		}
	}()
}

// passthrough relays traffic without journaling or caching.
func (s *Server) passthrough(w http.ResponseWriter, r *http.Request, target protocol.Target, body []byte) {
	req := &store.StoredRequest{
		ID:      uuid.NewString(),
		Target:  target,
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Headers: upstream.CaptureHeaders(r.Header),
		Body:    body,
	}
	resp, err := s.client.Do(r.Context(), req)
	if resp == nil {
		if err != nil {
			s.writeError(w, r, http.StatusBadGateway, "upstream unreachable")
			return
		}
		s.writeError(w, r, http.StatusBadGateway, "no upstream response")
		return
	}
	s.relay(w, r, resp.Status, resp.Headers, resp.Body)
}

// relay writes an upstream (or cached) answer byte for byte, stamping the
// proxy hop into Via and echoing the client's request id.
func (s *Server) relay(w http.ResponseWriter, r *http.Request, status int, headers map[string]string, body []byte) {
	for name, value := range headers {
		if name == "Content-Length" {
			continue
		}
		w.Header().Set(name, value)
	}
	if via := w.Header().Get("Via"); via != "" {
		w.Header().Set("Via", via+", "+version.Via())
	} else {
		w.Header().Set("Via", version.Via())
	}
	if reqID := r.Header.Get("X-Request-Id"); reqID != "" {
		w.Header().Set("X-Request-Id", reqID)
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Via", version.Via())
	if reqID := r.Header.Get("X-Request-Id"); reqID != "" {
		w.Header().Set("X-Request-Id", reqID)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{StatusCode: status, Message: msg})
}
