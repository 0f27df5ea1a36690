// Package asynq runs subscription jobs on a redis-backed asynq queue.
package asynq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"meow.tf/websubsub"
)

const (
	TypeSubscribe   = "websubsub:subscribe"
	TypeUnsubscribe = "websubsub:unsubscribe"
)

// Option represents a Worker option.
type Option func(w *Worker)

// WithQueue sets the queue jobs are enqueued on.
func WithQueue(queue string) Option {
	return func(w *Worker) {
		w.queue = queue
	}
}

// WithMaxRetry sets how often asynq retries a failed job.
func WithMaxRetry(n int) Option {
	return func(w *Worker) {
		w.maxRetry = n
	}
}

// WithTimeout bounds a single job run.
func WithTimeout(timeout time.Duration) Option {
	return func(w *Worker) {
		w.timeout = timeout
	}
}

// Worker enqueues jobs with asynq. Jobs are run by a separate asynq server using NewServeMux.
type Worker struct {
	client   *asynq.Client
	queue    string
	maxRetry int
	timeout  time.Duration
}

// New creates a Worker enqueueing through client.
func New(client *asynq.Client, opts ...Option) *Worker {
	w := &Worker{
		client:   client,
		queue:    "default",
		maxRetry: 5,
		timeout:  time.Minute,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Add enqueues job.
func (w *Worker) Add(job websubsub.Job) error {
	payload, err := json.Marshal(job)

	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskType(job.Op), payload)

	_, err = w.client.Enqueue(task,
		asynq.Queue(w.queue),
		asynq.MaxRetry(w.maxRetry),
		asynq.Timeout(w.timeout))

	if err != nil {
		return errors.Wrapf(err, "enqueue %s %s", job.Op, job.SubscriptionID)
	}

	return nil
}

// Start is a no-op, jobs run on the asynq server.
func (w *Worker) Start() {}

// Stop closes the client.
func (w *Worker) Stop() {
	w.client.Close()
}

// TaskType returns the asynq task type of op.
func TaskType(op websubsub.Op) string {
	if op == websubsub.OpUnsubscribe {
		return TypeUnsubscribe
	}

	return TypeSubscribe
}

// NewServeMux routes subscription tasks to s.
func NewServeMux(s *websubsub.Subscriber) *asynq.ServeMux {
	mux := asynq.NewServeMux()

	mux.HandleFunc(TypeSubscribe, Handler(s))
	mux.HandleFunc(TypeUnsubscribe, Handler(s))

	return mux
}

// Handler runs a job task on s. Permanent failures skip asynq's retries.
func Handler(s *websubsub.Subscriber) func(ctx context.Context, task *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var job websubsub.Job

		if err := json.Unmarshal(task.Payload(), &job); err != nil {
			return errors.Wrapf(asynq.SkipRetry, "decode job: %v", err)
		}

		err := s.Run(ctx, job)

		if err != nil && websubsub.IsPermanent(err) {
			return errors.Wrap(asynq.SkipRetry, err.Error())
		}

		return err
	}
}
