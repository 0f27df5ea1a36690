package websubsub

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Op is the operation a Job runs.
type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
)

// Job represents a subscribe or unsubscribe attempt to run for a subscription.
// Jobs may be delivered more than once; attempts are idempotent under the subscription lock.
type Job struct {
	Op             Op     `json:"op"`
	SubscriptionID string `json:"subscription_id"`
}

// Worker is an interface to allow other types of workers to be created.
type Worker interface {
	Add(job Job) error
	Start()
	Stop()
}

// Run executes job. A nil error covers every handled outcome, including skips and hub failures
// recorded on the subscription. Non-permanent errors should be retried by the caller.
func (s *Subscriber) Run(ctx context.Context, job Job) error {
	var (
		res Result
		err error
	)

	switch job.Op {
	case OpSubscribe:
		res, err = s.Subscribe(ctx, job.SubscriptionID)
	case OpUnsubscribe:
		res, err = s.Unsubscribe(ctx, job.SubscriptionID)
	default:
		return errors.Wrapf(ErrUnknownOp, "%q", job.Op)
	}

	if err != nil {
		return err
	}

	s.logger.Debug("Job finished",
		zap.String("op", string(job.Op)),
		zap.String("subscription", job.SubscriptionID),
		zap.Stringer("result", res))

	return nil
}

// defaultJobAttempts bounds retries of collaborator failures inside a GoWorker.
const defaultJobAttempts = 3

// NewGoWorker creates a new worker from the specified subscriber and worker count.
func NewGoWorker(s *Subscriber, workerCount int) *GoWorker {
	return &GoWorker{
		subscriber:  s,
		workerCount: workerCount,
		jobCh:       make(chan Job, 64),
		attempts:    defaultJobAttempts,
	}
}

// GoWorker is a basic Goroutine-based worker.
// It will start workerCount workers and process jobs from a channel.
// Jobs are lost on process exit; the retry sweep re-drives anything left behind.
type GoWorker struct {
	subscriber  *Subscriber
	workerCount int
	jobCh       chan Job
	attempts    int
	wg          sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// Add will add a job to the queue.
// Jobs added after Stop are refused with ErrWorkerStopped.
func (w *GoWorker) Add(job Job) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.stopped {
		return ErrWorkerStopped
	}

	w.jobCh <- job
	return nil
}

// Start will start the worker routines.
func (w *GoWorker) Start() {
	for i := 0; i < w.workerCount; i++ {
		w.wg.Add(1)
		go w.run()
	}
}

// Stop will close the job channel and wait for the worker routines to drain it.
func (w *GoWorker) Stop() {
	w.mu.Lock()

	if !w.stopped {
		w.stopped = true
		close(w.jobCh)
	}

	w.mu.Unlock()

	w.wg.Wait()
}

// run pulls jobs off the job channel and processes them.
func (w *GoWorker) run() {
	defer w.wg.Done()

	for {
		job, ok := <-w.jobCh

		if !ok {
			return
		}

		w.process(job)
	}
}

// process runs a job, retrying collaborator failures with backoff.
func (w *GoWorker) process(job Job) {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	logger := w.subscriber.logger.With(
		zap.String("op", string(job.Op)),
		zap.String("subscription", job.SubscriptionID))

	for attempt := 1; ; attempt++ {
		err := w.subscriber.Run(context.Background(), job)

		if err == nil {
			return
		}

		if IsPermanent(err) {
			logger.Error("Job failed permanently", zap.Error(err))
			return
		}

		if attempt >= w.attempts {
			logger.Error("Job failed, giving up", zap.Int("attempts", attempt), zap.Error(err))
			return
		}

		logger.Warn("Job failed, retrying", zap.Int("attempt", attempt), zap.Error(err))

		<-time.After(b.Duration())
	}
}
