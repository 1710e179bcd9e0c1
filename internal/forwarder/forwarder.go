// SPDX-License-Identifier: MIT

// Package forwarder replays the PENDING journal against the upstream
// services. One worker per upstream target drains in receipt order, so a
// deactivation can never overtake the activation it follows.
package forwarder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/frlproxy/frlproxy/internal/config"
	"github.com/frlproxy/frlproxy/internal/log"
	"github.com/frlproxy/frlproxy/internal/metrics"
	"github.com/frlproxy/frlproxy/internal/protocol"
	"github.com/frlproxy/frlproxy/internal/store"
	"github.com/frlproxy/frlproxy/internal/upstream"
)

const (
	idleInterval   = 10 * time.Second
	initialBackoff = 1 * time.Second
	maxBackoff     = 5 * time.Minute
	drainBatch     = 100
)

// DrainResult summarizes one drain pass over a target's queue.
type DrainResult struct {
	Forwarded int `json:"forwarded"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Add folds another pass into the result.
func (r *DrainResult) Add(o DrainResult) {
	r.Forwarded += o.Forwarded
	r.Failed += o.Failed
	r.Remaining += o.Remaining
}

// Forwarder owns the background replay workers.
type Forwarder struct {
	store  *store.Store
	client *upstream.Client
	mode   func() string
	logger zerolog.Logger

	mu     sync.Mutex
	wakers []chan struct{}
}

// New builds a forwarder. mode is sampled before every pass; the workers
// stay dormant while it reports isolated.
func New(st *store.Store, client *upstream.Client, mode func() string) *Forwarder {
	return &Forwarder{
		store:  st,
		client: client,
		mode:   mode,
		logger: log.WithComponent("forwarder"),
	}
}

// Run starts one worker per upstream target and blocks until ctx is done
// and every worker has finished its in-flight item.
func (f *Forwarder) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, target := range []protocol.Target{protocol.TargetLicense, protocol.TargetLog} {
		wake := make(chan struct{}, 1)
		f.mu.Lock()
		f.wakers = append(f.wakers, wake)
		f.mu.Unlock()

		wg.Add(1)
		go func(target protocol.Target, wake chan struct{}) {
			defer wg.Done()
			f.worker(ctx, target, wake)
		}(target, wake)
	}
	wg.Wait()
}

// Wake nudges every worker to drain now instead of waiting out its timer.
func (f *Forwarder) Wake() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.wakers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

func (f *Forwarder) worker(ctx context.Context, target protocol.Target, wake chan struct{}) {
	logger := f.logger.With().Str("target", string(target)).Logger()
	backoff := initialBackoff

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if f.mode() == config.ModeIsolated {
			timer.Reset(idleInterval)
			continue
		}

		result, err := f.DrainTarget(ctx, target)
		switch {
		case err != nil && errors.Is(err, context.Canceled):
			return
		case err != nil:
			logger.Warn().Str("event", "forwarder.drain_failed").Err(err).Msg("drain pass failed")
			timer.Reset(backoff)
			backoff = min(backoff*2, maxBackoff)
		case result.Failed > 0:
			timer.Reset(backoff)
			backoff = min(backoff*2, maxBackoff)
		default:
			backoff = initialBackoff
			timer.Reset(idleInterval)
		}
	}
}

// Drain replays both queues once, oldest first. It is what the forward CLI
// command and the control endpoint call.
func (f *Forwarder) Drain(ctx context.Context) (DrainResult, error) {
	var total DrainResult
	for _, target := range []protocol.Target{protocol.TargetLicense, protocol.TargetLog} {
		result, err := f.DrainTarget(ctx, target)
		total.Add(result)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// DrainTarget replays one target's queue in FIFO order. The pass stops at
// the first retryable failure: skipping ahead would reorder the journal.
func (f *Forwarder) DrainTarget(ctx context.Context, target protocol.Target) (DrainResult, error) {
	result, err := f.drainPass(ctx, target)
	if counts, cerr := f.store.PendingCount(context.WithoutCancel(ctx)); cerr == nil {
		result.Remaining = counts[target]
		metrics.PendingRequests.WithLabelValues(string(target)).Set(float64(result.Remaining))
	}
	return result, err
}

func (f *Forwarder) drainPass(ctx context.Context, target protocol.Target) (DrainResult, error) {
	var result DrainResult
	for {
		pending, err := f.store.PendingRequests(ctx, target, drainBatch)
		if err != nil {
			return result, err
		}
		if len(pending) == 0 {
			return result, nil
		}

		for _, req := range pending {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if _, err := f.forwardOne(ctx, req); err != nil {
				// Stop the pass; the queue front is blocked until upstream
				// recovers. Skipping ahead would reorder the journal.
				result.Failed++
				return result, nil
			}
			result.Forwarded++
		}
		if len(pending) < drainBatch {
			return result, nil
		}
	}
}

// forwardOne replays a single request. A retryable failure leaves it
// PENDING; anything answered by the upstream resolves it.
func (f *Forwarder) forwardOne(ctx context.Context, req *store.StoredRequest) (retryable bool, err error) {
	started := time.Now()
	resp, err := f.client.Do(ctx, req)
	if err != nil {
		var uerr *upstream.Error
		retryable = errors.As(err, &uerr) && uerr.Retryable()
		metrics.ForwardAttemptsTotal.WithLabelValues(string(req.Target), "failure").Inc()
		if ferr := f.store.RecordFailure(ctx, req.ID, time.Now(), err.Error(), upstream.AttemptCount(resp, err)); ferr != nil {
			f.logger.Error().Str("event", "forwarder.journal_error").Err(ferr).Msg("failed to record forward failure")
		}
		f.logger.Warn().
			Str("event", "forwarder.forward_failed").
			Str("request_id", req.ID).
			Str("kind", string(req.Kind)).
			Bool("retryable", retryable).
			Err(err).
			Msg("forward failed")
		return retryable, err
	}

	stored := &store.StoredResponse{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		Status:     resp.Status,
		Headers:    resp.Headers,
		Body:       resp.Body,
		Attempts:   resp.Attempts,
		ReceivedAt: time.Now(),
	}
	if err := f.store.RecordOutcome(ctx, req, stored); err != nil {
		return true, err
	}

	metrics.ForwardAttemptsTotal.WithLabelValues(string(req.Target), "success").Inc()
	metrics.UpstreamLatency.WithLabelValues(string(req.Target)).Observe(time.Since(started).Seconds())
	f.logger.Info().
		Str("event", "forwarder.forwarded").
		Str("request_id", req.ID).
		Str("kind", string(req.Kind)).
		Int("status", resp.Status).
		Msg("request replayed")
	return false, nil
}
