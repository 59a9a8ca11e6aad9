package federation

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"marginalia/pkg/signature"

	"go.uber.org/zap"
)

// KeySource supplies the signing key of a local actor.
type KeySource interface {
	SigningKey(ctx context.Context, actorID string) (keyID string, key *rsa.PrivateKey, err error)
}

// DeliveryResult is the outcome of delivering to one inbox.
type DeliveryResult struct {
	Inbox     string
	Delivered bool
}

// errTerminal marks failures that must not be retried.
type errTerminal struct {
	err error
}

func (e *errTerminal) Error() string { return e.err.Error() }
func (e *errTerminal) Unwrap() error { return e.err }

func terminal(err error) error { return &errTerminal{err: err} }

// Deliverer POSTs signed activities to remote inboxes with bounded retry.
type Deliverer struct {
	client  *http.Client
	keys    KeySource
	metrics *Metrics
	logger  *zap.Logger

	// Retry configuration
	maxAttempts int
	baseDelay   time.Duration

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewDeliverer(client *http.Client, keys KeySource, metrics *Metrics, logger *zap.Logger) *Deliverer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if metrics == nil {
		metrics = newPrivateMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Deliverer{
		client:      client,
		keys:        keys,
		metrics:     metrics,
		logger:      logger,
		maxAttempts: 5,
		baseDelay:   2 * time.Second,
		sleep:       sleepContext,
		now:         time.Now,
	}
}

// ConfigureRetry sets the attempt limit and the first backoff delay.
func (d *Deliverer) ConfigureRetry(maxAttempts int, baseDelay time.Duration) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	d.maxAttempts = maxAttempts
	d.baseDelay = baseDelay
}

// SetSleep replaces the function used to wait between attempts.
func (d *Deliverer) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	d.sleep = fn
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver sends activity to inbox signed as actorID and reports whether a
// 2xx response was received. 5xx responses and transport errors are
// retried with exponential backoff; 4xx responses and signing failures end
// the delivery immediately.
func (d *Deliverer) Deliver(ctx context.Context, activity interface{}, actorID, inbox string) bool {
	logger := d.logger.With(zap.String("inbox", inbox), zap.String("actor", actorID))

	body, err := json.Marshal(activity)
	if err != nil {
		logger.Error("Failed to encode activity", zap.Error(err))
		d.metrics.Deliveries.WithLabelValues("failed").Inc()
		return false
	}

	keyID, key, err := d.keys.SigningKey(ctx, actorID)
	if err != nil {
		logger.Error("No signing key for actor", zap.Error(err))
		d.metrics.Deliveries.WithLabelValues("failed").Inc()
		return false
	}

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}

		err := d.attempt(ctx, body, inbox, keyID, key)
		if err == nil {
			d.metrics.DeliveryAttempts.WithLabelValues("success").Inc()
			d.metrics.Deliveries.WithLabelValues("delivered").Inc()
			logger.Debug("Delivered activity", zap.Int("attempt", attempt))
			return true
		}

		var term *errTerminal
		if errors.As(err, &term) {
			d.metrics.DeliveryAttempts.WithLabelValues("terminal").Inc()
			logger.Warn("Delivery rejected, not retrying", zap.Int("attempt", attempt), zap.Error(err))
			break
		}
		d.metrics.DeliveryAttempts.WithLabelValues("retryable").Inc()

		if attempt == d.maxAttempts {
			logger.Warn("Delivery failed, attempts exhausted", zap.Int("attempts", attempt), zap.Error(err))
			break
		}

		delay := d.calculateBackoff(attempt)
		logger.Debug("Delivery failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := d.sleep(ctx, delay); err != nil {
			break
		}
	}

	d.metrics.Deliveries.WithLabelValues("failed").Inc()
	return false
}

func (d *Deliverer) attempt(ctx context.Context, body []byte, inbox, keyID string, key *rsa.PrivateKey) error {
	headers, err := signature.Sign(http.MethodPost, inbox, body, keyID, key, d.now())
	if err != nil {
		return terminal(fmt.Errorf("signing request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return terminal(fmt.Errorf("building request: %w", err))
	}
	for name, values := range headers {
		for _, v := range values {
			req.Header.Set(name, v)
		}
	}
	req.Host = headers.Get("Host")

	start := time.Now()
	resp, err := d.client.Do(req)
	d.metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("inbox returned %d", resp.StatusCode)
	default:
		return terminal(fmt.Errorf("inbox returned %d", resp.StatusCode))
	}
}

// calculateBackoff returns the wait after the given failed attempt:
// baseDelay * 2^(attempt-1).
func (d *Deliverer) calculateBackoff(attempt int) time.Duration {
	return time.Duration(float64(d.baseDelay) * math.Pow(2, float64(attempt-1)))
}

// FanOut delivers to every distinct inbox concurrently. Each recipient
// retries independently and one failure never affects the others.
func (d *Deliverer) FanOut(ctx context.Context, activity interface{}, actorID string, inboxes []string) []DeliveryResult {
	targets := uniqueInboxes(inboxes)
	results := make([]DeliveryResult, len(targets))

	var wg sync.WaitGroup
	for i, inbox := range targets {
		wg.Add(1)
		go func(i int, inbox string) {
			defer wg.Done()
			results[i] = DeliveryResult{Inbox: inbox, Delivered: d.Deliver(ctx, activity, actorID, inbox)}
		}(i, inbox)
	}
	wg.Wait()

	delivered := 0
	for _, r := range results {
		if r.Delivered {
			delivered++
		}
	}
	d.logger.Info("Fan-out complete",
		zap.String("actor", actorID),
		zap.Int("recipients", len(results)),
		zap.Int("delivered", delivered))
	return results
}

func uniqueInboxes(inboxes []string) []string {
	seen := make(map[string]bool, len(inboxes))
	out := make([]string, 0, len(inboxes))
	for _, inbox := range inboxes {
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		out = append(out, inbox)
	}
	return out
}
