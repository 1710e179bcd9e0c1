// SPDX-License-Identifier: MIT

// Package store persists the request/response journal and the FRL response
// cache in a single SQLite file. It is the only owner of persisted bytes;
// callers receive short-lived copies.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/frlproxy/frlproxy/internal/protocol"
)

const schemaVersion = 1

// Request states.
const (
	StatePending           = "PENDING"
	StateForwarded         = "FORWARDED"
	StateAnsweredFromCache = "ANSWERED_FROM_CACHE"
)

// ErrNotFound is returned when a journal row does not exist.
var ErrNotFound = errors.New("store: not found")

// StoredRequest is one journaled client request.
type StoredRequest struct {
	ID          string
	Kind        protocol.Kind
	Target      protocol.Target
	Fingerprint string
	GroupKey    string
	Method      string
	Path        string
	Query       string
	Headers     map[string]string
	Body        []byte
	State       string
	ReceivedAt  time.Time
	Attempts    int
	LastAttempt time.Time
	LastError   string
}

// StoredResponse is one upstream response tied to its request. Attempts is
// journal bookkeeping only: the number of upstream round-trips consumed to
// obtain this response, folded into the request's attempts counter by
// RecordOutcome and never persisted on the response row itself.
type StoredResponse struct {
	ID         string
	RequestID  string
	Status     int
	Headers    map[string]string
	Body       []byte
	Cacheable  bool
	Attempts   int
	ReceivedAt time.Time
}

// Store wraps the journal database.
type Store struct {
	DB *sql.DB
}

// Open opens (creating if necessary) the journal at dbPath and applies
// pending migrations.
func Open(dbPath string) (*Store, error) {
	db, err := openSQLite(dbPath, DefaultSQLiteConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		target TEXT NOT NULL,
		fingerprint TEXT NOT NULL DEFAULT '',
		group_key TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		query TEXT NOT NULL DEFAULT '',
		headers_json TEXT NOT NULL,
		body BLOB,
		state TEXT NOT NULL,
		received_at_ms INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_ms INTEGER,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_requests_pending ON requests(state, target, received_at_ms);
	CREATE INDEX IF NOT EXISTS idx_requests_group ON requests(group_key);

	CREATE TABLE IF NOT EXISTS responses (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES requests(id),
		status INTEGER NOT NULL,
		headers_json TEXT NOT NULL,
		body BLOB,
		cacheable INTEGER NOT NULL DEFAULT 0,
		received_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_responses_request ON responses(request_id);

	CREATE TABLE IF NOT EXISTS cache_entries (
		fingerprint TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		group_key TEXT NOT NULL,
		response_id TEXT NOT NULL REFERENCES responses(id),
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cache_group ON cache_entries(group_key);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertRequest journals a new request in PENDING state.
func (s *Store) InsertRequest(ctx context.Context, req *StoredRequest) error {
	headers, err := json.Marshal(req.Headers)
	if err != nil {
		return fmt.Errorf("store: marshal headers: %w", err)
	}
	if req.State == "" {
		req.State = StatePending
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO requests (
			id, kind, target, fingerprint, group_key, method, path, query,
			headers_json, body, state, received_at_ms, attempts, last_attempt_ms, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL)`,
		req.ID, string(req.Kind), string(req.Target), req.Fingerprint, req.GroupKey,
		req.Method, req.Path, req.Query, string(headers), req.Body, req.State,
		req.ReceivedAt.UnixMilli(),
	)
	return err
}

// GetRequest fetches one journaled request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*StoredRequest, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	return scanRequest(row)
}

// PendingRequests returns PENDING requests for one upstream target in FIFO
// order of receipt. limit <= 0 means no limit.
func (s *Store) PendingRequests(ctx context.Context, target protocol.Target, limit int) ([]*StoredRequest, error) {
	q := `SELECT ` + requestColumns + ` FROM requests
		WHERE state = ? AND target = ?
		ORDER BY received_at_ms ASC, rowid ASC`
	args := []any{StatePending, string(target)}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*StoredRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

// PendingCount returns the number of PENDING requests per upstream target.
func (s *Store) PendingCount(ctx context.Context) (map[protocol.Target]int, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT target, COUNT(*) FROM requests WHERE state = ? GROUP BY target`, StatePending)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[protocol.Target]int)
	for rows.Next() {
		var target string
		var n int
		if err := rows.Scan(&target, &n); err != nil {
			return nil, err
		}
		counts[protocol.Target(target)] = n
	}
	return counts, rows.Err()
}

// RecordOutcome persists an upstream response for req and applies the
// kind-appropriate journal and cache transitions in one transaction:
//
//   - every kind: the response row is inserted and req leaves PENDING.
//   - successful activation: the cache entry for the fingerprint is
//     upserted and pending deactivations in the group are removed.
//   - successful deactivation: cached activations in the group are
//     invalidated and pending activations in the group are removed.
//
// Non-2xx responses journal the response without touching the cache.
func (s *Store) RecordOutcome(ctx context.Context, req *StoredRequest, resp *StoredResponse) error {
	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		return fmt.Errorf("store: marshal headers: %w", err)
	}
	success := resp.Status >= 200 && resp.Status < 300
	resp.Cacheable = success && req.Kind == protocol.KindFrlActivation

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := resp.ReceivedAt.UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO responses (id, request_id, status, headers_json, body, cacheable, received_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		resp.ID, req.ID, resp.Status, string(headers), resp.Body, resp.Cacheable, now,
	); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE requests SET state = ?, attempts = attempts + ?, last_attempt_ms = ?, last_error = NULL
		WHERE id = ? AND state = ?`,
		StateForwarded, max(1, resp.Attempts), now, req.ID, StatePending,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already answered by a concurrent forward: keep at-most-once.
		return tx.Commit()
	}

	if success {
		switch req.Kind {
		case protocol.KindFrlActivation:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO cache_entries (fingerprint, kind, group_key, response_id, updated_at_ms)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(fingerprint) DO UPDATE SET
					response_id = excluded.response_id,
					updated_at_ms = excluded.updated_at_ms`,
				req.Fingerprint, string(req.Kind), req.GroupKey, resp.ID, now,
			); err != nil {
				return err
			}
			// The license is live again: queued deactivations are stale.
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM requests WHERE state = ? AND kind = ? AND group_key = ?`,
				StatePending, string(protocol.KindFrlDeactivate), req.GroupKey,
			); err != nil {
				return err
			}
		case protocol.KindFrlDeactivate:
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM cache_entries WHERE group_key = ?`, req.GroupKey,
			); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM requests WHERE state = ? AND kind = ? AND group_key = ?`,
				StatePending, string(protocol.KindFrlActivation), req.GroupKey,
			); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// RecordRefresh persists an out-of-band revalidation of an already answered
// activation. The request keeps its state; a successful response replaces
// the cache entry for the fingerprint.
func (s *Store) RecordRefresh(ctx context.Context, req *StoredRequest, resp *StoredResponse) error {
	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		return fmt.Errorf("store: marshal headers: %w", err)
	}
	success := resp.Status >= 200 && resp.Status < 300
	resp.Cacheable = success && req.Kind == protocol.KindFrlActivation

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := resp.ReceivedAt.UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO responses (id, request_id, status, headers_json, body, cacheable, received_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		resp.ID, req.ID, resp.Status, string(headers), resp.Body, resp.Cacheable, now,
	); err != nil {
		return err
	}
	if resp.Cacheable {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cache_entries (fingerprint, kind, group_key, response_id, updated_at_ms)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(fingerprint) DO UPDATE SET
				response_id = excluded.response_id,
				updated_at_ms = excluded.updated_at_ms`,
			req.Fingerprint, string(req.Kind), req.GroupKey, resp.ID, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordFailure notes a failed forward, leaving the request PENDING.
// attempts is the number of upstream round-trips the failure consumed.
func (s *Store) RecordFailure(ctx context.Context, id string, attemptAt time.Time, lastError string, attempts int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE requests SET attempts = attempts + ?, last_attempt_ms = ?, last_error = ?
		WHERE id = ? AND state = ?`,
		max(1, attempts), attemptAt.UnixMilli(), lastError, id, StatePending,
	)
	return err
}

// MarkAnsweredFromCache resolves a request that was served from the cache.
func (s *Store) MarkAnsweredFromCache(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE requests SET state = ?, last_attempt_ms = ? WHERE id = ? AND state = ?`,
		StateAnsweredFromCache, at.UnixMilli(), id, StatePending,
	)
	return err
}

// LookupCachedResponse returns the cached successful response for an FRL
// fingerprint, or ErrNotFound.
func (s *Store) LookupCachedResponse(ctx context.Context, fingerprint string) (*StoredResponse, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT r.id, r.request_id, r.status, r.headers_json, r.body, r.cacheable, r.received_at_ms
		FROM cache_entries c JOIN responses r ON r.id = c.response_id
		WHERE c.fingerprint = ? AND r.status >= 200 AND r.status < 300`,
		fingerprint,
	)
	return scanResponse(row)
}

// ResponseForRequest returns the journaled response for a request id.
func (s *Store) ResponseForRequest(ctx context.Context, requestID string) (*StoredResponse, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, request_id, status, headers_json, body, cacheable, received_at_ms
		FROM responses WHERE request_id = ? ORDER BY received_at_ms DESC LIMIT 1`,
		requestID,
	)
	return scanResponse(row)
}

// LastForward returns the receipt time of the newest response for a target,
// or the zero time when none exists.
func (s *Store) LastForward(ctx context.Context, target protocol.Target) (time.Time, error) {
	var ms sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT MAX(r.received_at_ms) FROM responses r
		JOIN requests q ON q.id = r.request_id WHERE q.target = ?`,
		string(target),
	).Scan(&ms)
	if err != nil {
		return time.Time{}, err
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms.Int64), nil
}

// Clear truncates parts of the journal. Responses cannot outlive their
// requests, so clearing requests clears responses and the cache too.
func (s *Store) Clear(ctx context.Context, requests, responses bool) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if responses || requests {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM responses`); err != nil {
			return err
		}
	}
	if requests {
		if _, err := tx.ExecContext(ctx, `DELETE FROM requests`); err != nil {
			return err
		}
	} else if responses {
		// Answered requests become replayable again.
		if _, err := tx.ExecContext(ctx, `UPDATE requests SET state = ?`, StatePending); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const requestColumns = `id, kind, target, fingerprint, group_key, method, path, query,
	headers_json, body, state, received_at_ms, attempts, last_attempt_ms, last_error`

func scanRequest(scanner interface{ Scan(dest ...any) error }) (*StoredRequest, error) {
	var req StoredRequest
	var kind, target, headersJSON string
	var receivedMs int64
	var lastAttemptMs sql.NullInt64
	var lastError sql.NullString

	err := scanner.Scan(
		&req.ID, &kind, &target, &req.Fingerprint, &req.GroupKey,
		&req.Method, &req.Path, &req.Query, &headersJSON, &req.Body,
		&req.State, &receivedMs, &req.Attempts, &lastAttemptMs, &lastError,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	req.Kind = protocol.Kind(kind)
	req.Target = protocol.Target(target)
	req.ReceivedAt = time.UnixMilli(receivedMs)
	if lastAttemptMs.Valid {
		req.LastAttempt = time.UnixMilli(lastAttemptMs.Int64)
	}
	if lastError.Valid {
		req.LastError = lastError.String
	}
	if err := json.Unmarshal([]byte(headersJSON), &req.Headers); err != nil {
		return nil, fmt.Errorf("store: unmarshal headers for %s: %w", req.ID, err)
	}
	return &req, nil
}

func scanResponse(scanner interface{ Scan(dest ...any) error }) (*StoredResponse, error) {
	var resp StoredResponse
	var headersJSON string
	var receivedMs int64

	err := scanner.Scan(&resp.ID, &resp.RequestID, &resp.Status, &headersJSON,
		&resp.Body, &resp.Cacheable, &receivedMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	resp.ReceivedAt = time.UnixMilli(receivedMs)
	if err := json.Unmarshal([]byte(headersJSON), &resp.Headers); err != nil {
		return nil, fmt.Errorf("store: unmarshal headers for %s: %w", resp.ID, err)
	}
	return &resp, nil
}
