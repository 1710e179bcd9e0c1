// SPDX-License-Identifier: MIT

package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/frlproxy/frlproxy/internal/config"
	"github.com/frlproxy/frlproxy/internal/protocol"
	"github.com/frlproxy/frlproxy/internal/store"
	"github.com/frlproxy/frlproxy/internal/upstream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "journal.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newForwarder(t *testing.T, st *store.Store, upstreamURL, mode string) *Forwarder {
	t.Helper()
	cfg := config.Default()
	cfg.Mode = mode
	cfg.FRL.RemoteHost = upstreamURL
	cfg.Log.RemoteHost = upstreamURL
	cfg.Upstream.MaxAttempts = 1
	cfg.Upstream.Timeout = 2 * time.Second
	client, err := upstream.New(cfg)
	require.NoError(t, err)
	return New(st, client, func() string { return mode })
}

func journalActivation(t *testing.T, st *store.Store, seq int) *store.StoredRequest {
	t.Helper()
	req := &store.StoredRequest{
		ID:          uuid.NewString(),
		Kind:        protocol.KindFrlActivation,
		Target:      protocol.TargetLicense,
		Fingerprint: uuid.NewString(),
		GroupKey:    uuid.NewString(),
		Method:      http.MethodPost,
		Path:        "/asnp/frl_connected/values/v2",
		Headers:     map[string]string{"Content-Type": "application/json"},
		Body:        []byte(`{"npdId":"npd-1"}`),
		ReceivedAt:  time.Now().Add(time.Duration(seq) * time.Millisecond),
	}
	require.NoError(t, st.InsertRequest(context.Background(), req))
	return req
}

func journalLogUpload(t *testing.T, st *store.Store, seq int) *store.StoredRequest {
	t.Helper()
	req := &store.StoredRequest{
		ID:         uuid.NewString(),
		Kind:       protocol.KindLogUpload,
		Target:     protocol.TargetLog,
		Method:     http.MethodPost,
		Path:       "/ulecs/v1",
		Headers:    map[string]string{"X-Api-Key": "ngl-key"},
		Body:       []byte("log payload"),
		ReceivedAt: time.Now().Add(time.Duration(seq) * time.Millisecond),
	}
	require.NoError(t, st.InsertRequest(context.Background(), req))
	return req
}

func TestDrain_ReplaysFIFOAndResolves(t *testing.T) {
	var mu sync.Mutex
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"asnp":"signed"}`))
	}))
	defer srv.Close()

	st := newTestStore(t)
	first := journalActivation(t, st, 1)
	second := journalActivation(t, st, 2)
	logReq := journalLogUpload(t, st, 3)

	f := newForwarder(t, st, srv.URL, config.ModeConnected)
	result, err := f.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Forwarded)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.Remaining)

	for _, req := range []*store.StoredRequest{first, second, logReq} {
		got, err := st.GetRequest(context.Background(), req.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StateForwarded, got.State)
	}

	// Activations populate the cache when replayed.
	cached, err := st.LookupCachedResponse(context.Background(), first.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"asnp":"signed"}`), cached.Body)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, "/asnp/frl_connected/values/v2", order[0])
}

func TestDrain_StopsAtFirstFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	st := newTestStore(t)
	first := journalActivation(t, st, 1)
	second := journalActivation(t, st, 2)

	f := newForwarder(t, st, srv.URL, config.ModeConnected)
	result, err := f.DrainTarget(context.Background(), protocol.TargetLicense)
	require.NoError(t, err)
	assert.Zero(t, result.Forwarded)
	assert.Equal(t, 1, result.Failed, "the pass stops at the blocked queue front")
	assert.Equal(t, 2, result.Remaining)

	got, err := st.GetRequest(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatePending, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.NotEmpty(t, got.LastError)

	got, err = st.GetRequest(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatePending, got.State)
	assert.Zero(t, got.Attempts, "requests behind the blocked front are untouched")
}

func TestDrain_DefinitiveUpstreamAnswerResolves(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad npdId"}`))
	}))
	defer srv.Close()

	st := newTestStore(t)
	req := journalActivation(t, st, 1)

	f := newForwarder(t, st, srv.URL, config.ModeConnected)
	result, err := f.DrainTarget(context.Background(), protocol.TargetLicense)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Forwarded, "a 4xx answer resolves the request")

	got, err := st.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateForwarded, got.State)

	resp, err := st.ResponseForRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	_, err = st.LookupCachedResponse(context.Background(), req.Fingerprint)
	assert.ErrorIs(t, err, store.ErrNotFound, "failures are never cached")
}

func TestDrain_JournalCountsEveryUpstreamAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 4 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"asnp":"signed"}`))
	}))
	defer srv.Close()

	st := newTestStore(t)
	req := journalActivation(t, st, 1)

	cfg := config.Default()
	cfg.FRL.RemoteHost = srv.URL
	cfg.Log.RemoteHost = srv.URL
	cfg.Upstream.MaxAttempts = 4
	cfg.Upstream.Timeout = 2 * time.Second
	client, err := upstream.New(cfg)
	require.NoError(t, err)
	f := New(st, client, func() string { return config.ModeConnected })

	result, err := f.DrainTarget(context.Background(), protocol.TargetLicense)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Forwarded)
	assert.Equal(t, int32(4), calls.Load())

	// Three 500s and the final 200 all land in the attempts counter.
	got, err := st.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateForwarded, got.State)
	assert.Equal(t, 4, got.Attempts)

	resp, err := st.ResponseForRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestRun_DormantInIsolatedMode(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := newTestStore(t)
	journalActivation(t, st, 1)

	f := newForwarder(t, st, srv.URL, config.ModeIsolated)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	f.Wake()
	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop")
	}

	assert.Zero(t, calls.Load(), "isolated mode must not touch the network")
	got, err := st.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, got[protocol.TargetLicense])
}

func TestRun_WakeDrainsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := newTestStore(t)
	f := newForwarder(t, st, srv.URL, config.ModeConnected)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	// Let the initial pass on the empty queue finish, then journal and wake.
	time.Sleep(100 * time.Millisecond)
	journalActivation(t, st, 1)
	f.Wake()

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop")
	}
}
