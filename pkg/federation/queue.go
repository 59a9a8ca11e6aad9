package federation

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Queue runs deliveries in the background, detached from the request
// that produced them.
type Queue struct {
	deliverer *Deliverer
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQueue(deliverer *Deliverer, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		deliverer: deliverer,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit schedules one delivery.
func (q *Queue) Submit(activity interface{}, actorID, inbox string) {
	q.SubmitFanOut(activity, actorID, []string{inbox})
}

// SubmitFanOut schedules delivery to every distinct inbox.
func (q *Queue) SubmitFanOut(activity interface{}, actorID string, inboxes []string) {
	targets := uniqueInboxes(inboxes)
	if len(targets) == 0 {
		return
	}

	q.wg.Add(1)
	q.deliverer.metrics.QueueInFlight.Inc()
	go func() {
		defer q.wg.Done()
		defer q.deliverer.metrics.QueueInFlight.Dec()
		q.deliverer.FanOut(q.ctx, activity, actorID, targets)
	}()
}

// Wait blocks until every submitted delivery has finished.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Shutdown waits for in-flight deliveries until ctx ends, then cancels
// whatever is still running.
func (q *Queue) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.logger.Warn("Abandoning in-flight deliveries")
		q.cancel()
		<-done
		return ctx.Err()
	}
}
