// SPDX-License-Identifier: MIT

package store

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/frlproxy/frlproxy/internal/protocol"
)

// The transport blob is framed JSON lines: a header record followed by one
// record per journaled request or response. It moves PENDING work from an
// isolated proxy to a connected one and the answers back.

const blobSchemaVersion = 1

type blobHeader struct {
	Type       string `json:"type"` // "header"
	Schema     int    `json:"schema"`
	Origin     string `json:"origin"`
	ExportedAt string `json:"exportedAt"`
}

type blobRequest struct {
	Type        string            `json:"type"` // "request"
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Target      string            `json:"target"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	GroupKey    string            `json:"groupKey,omitempty"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Query       string            `json:"query,omitempty"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body,omitempty"` // base64
	ReceivedAt  int64             `json:"receivedAtMs"`
}

type blobResponse struct {
	Type       string            `json:"type"` // "response"
	ID         string            `json:"id"`
	RequestID  string            `json:"requestId"`
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body,omitempty"` // base64
	ReceivedAt int64             `json:"receivedAtMs"`
}

// ExportResult summarizes one export or import run.
type ExportResult struct {
	Requests  int
	Responses int
	Skipped   int
}

// ExportPending streams the PENDING journal to w.
func (s *Store) ExportPending(ctx context.Context, w io.Writer, origin string) (ExportResult, error) {
	var result ExportResult
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	if err := enc.Encode(blobHeader{
		Type:       "header",
		Schema:     blobSchemaVersion,
		Origin:     origin,
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return result, err
	}

	for _, target := range []protocol.Target{protocol.TargetLicense, protocol.TargetLog} {
		reqs, err := s.PendingRequests(ctx, target, 0)
		if err != nil {
			return result, err
		}
		for _, req := range reqs {
			if err := enc.Encode(requestToBlob(req)); err != nil {
				return result, err
			}
			result.Requests++
		}
	}
	return result, bw.Flush()
}

// ExportResponses streams every journaled response to w, keyed to its
// request id. Run on the connected proxy after a drain; the blob is then
// imported back on the isolated origin.
func (s *Store) ExportResponses(ctx context.Context, w io.Writer, origin string) (ExportResult, error) {
	var result ExportResult
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	if err := enc.Encode(blobHeader{
		Type:       "header",
		Schema:     blobSchemaVersion,
		Origin:     origin,
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return result, err
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, request_id, status, headers_json, body, cacheable, received_at_ms
		FROM responses ORDER BY received_at_ms ASC, rowid ASC`)
	if err != nil {
		return result, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		resp, err := scanResponse(rows)
		if err != nil {
			return result, err
		}
		if err := enc.Encode(responseToBlob(resp)); err != nil {
			return result, err
		}
		result.Responses++
	}
	if err := rows.Err(); err != nil {
		return result, err
	}
	return result, bw.Flush()
}

// Import reads a transport blob from r. Request records are journaled as
// PENDING unless the id is already present. Response records resolve the
// matching local request via the usual outcome transitions; records whose
// request is unknown or already answered are counted as skipped.
func (s *Store) Import(ctx context.Context, r io.Reader) (ExportResult, error) {
	var result ExportResult
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	sawHeader := false
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var probe struct {
			Type   string `json:"type"`
			Schema int    `json:"schema"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			return result, fmt.Errorf("store: malformed blob record: %w", err)
		}
		switch probe.Type {
		case "header":
			if probe.Schema > blobSchemaVersion {
				return result, fmt.Errorf("store: blob schema %d is newer than supported %d", probe.Schema, blobSchemaVersion)
			}
			sawHeader = true
		case "request":
			if !sawHeader {
				return result, errors.New("store: blob missing header record")
			}
			var rec blobRequest
			if err := json.Unmarshal(line, &rec); err != nil {
				return result, fmt.Errorf("store: malformed request record: %w", err)
			}
			req, err := blobToRequest(&rec)
			if err != nil {
				return result, err
			}
			if _, err := s.GetRequest(ctx, req.ID); err == nil {
				result.Skipped++
				continue
			} else if !errors.Is(err, ErrNotFound) {
				return result, err
			}
			if err := s.InsertRequest(ctx, req); err != nil {
				return result, err
			}
			result.Requests++
		case "response":
			if !sawHeader {
				return result, errors.New("store: blob missing header record")
			}
			var rec blobResponse
			if err := json.Unmarshal(line, &rec); err != nil {
				return result, fmt.Errorf("store: malformed response record: %w", err)
			}
			req, err := s.GetRequest(ctx, rec.RequestID)
			if errors.Is(err, ErrNotFound) {
				result.Skipped++
				continue
			} else if err != nil {
				return result, err
			}
			if req.State != StatePending {
				result.Skipped++
				continue
			}
			resp, err := blobToResponse(&rec)
			if err != nil {
				return result, err
			}
			if err := s.RecordOutcome(ctx, req, resp); err != nil {
				return result, err
			}
			result.Responses++
		default:
			return result, fmt.Errorf("store: unknown blob record type %q", probe.Type)
		}
	}
	if err := sc.Err(); err != nil {
		return result, err
	}
	if !sawHeader {
		return result, errors.New("store: blob missing header record")
	}
	return result, nil
}

func requestToBlob(req *StoredRequest) blobRequest {
	return blobRequest{
		Type:        "request",
		ID:          req.ID,
		Kind:        string(req.Kind),
		Target:      string(req.Target),
		Fingerprint: req.Fingerprint,
		GroupKey:    req.GroupKey,
		Method:      req.Method,
		Path:        req.Path,
		Query:       req.Query,
		Headers:     req.Headers,
		Body:        base64.StdEncoding.EncodeToString(req.Body),
		ReceivedAt:  req.ReceivedAt.UnixMilli(),
	}
}

func blobToRequest(rec *blobRequest) (*StoredRequest, error) {
	kind, err := protocol.ParseKind(rec.Kind)
	if err != nil {
		return nil, fmt.Errorf("store: request %s: %w", rec.ID, err)
	}
	body, err := base64.StdEncoding.DecodeString(rec.Body)
	if err != nil {
		return nil, fmt.Errorf("store: request %s: invalid body encoding: %w", rec.ID, err)
	}
	headers := rec.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return &StoredRequest{
		ID:          rec.ID,
		Kind:        kind,
		Target:      protocol.Target(rec.Target),
		Fingerprint: rec.Fingerprint,
		GroupKey:    rec.GroupKey,
		Method:      rec.Method,
		Path:        rec.Path,
		Query:       rec.Query,
		Headers:     headers,
		Body:        body,
		State:       StatePending,
		ReceivedAt:  time.UnixMilli(rec.ReceivedAt),
	}, nil
}

func responseToBlob(resp *StoredResponse) blobResponse {
	return blobResponse{
		Type:       "response",
		ID:         resp.ID,
		RequestID:  resp.RequestID,
		Status:     resp.Status,
		Headers:    resp.Headers,
		Body:       base64.StdEncoding.EncodeToString(resp.Body),
		ReceivedAt: resp.ReceivedAt.UnixMilli(),
	}
}

func blobToResponse(rec *blobResponse) (*StoredResponse, error) {
	body, err := base64.StdEncoding.DecodeString(rec.Body)
	if err != nil {
		return nil, fmt.Errorf("store: response %s: invalid body encoding: %w", rec.ID, err)
	}
	headers := rec.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return &StoredResponse{
		ID:         rec.ID,
		RequestID:  rec.RequestID,
		Status:     rec.Status,
		Headers:    headers,
		Body:       body,
		ReceivedAt: time.UnixMilli(rec.ReceivedAt),
	}, nil
}
