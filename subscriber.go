package websubsub

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"meow.tf/websubsub/handler"
	"meow.tf/websubsub/lock"
	"meow.tf/websubsub/model"
	"meow.tf/websubsub/store"
)

// Event is an inbound content delivery from a hub.
type Event struct {
	Subscription model.Subscription
	ContentType  string
	Header       http.Header
	Body         []byte
}

// Consumer receives event payloads. It is called once per delivery, outside the request.
type Consumer interface {
	Consume(ctx context.Context, evt Event) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, evt Event) error

// Consume calls f.
func (f ConsumerFunc) Consume(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Option represents a Subscriber option.
type Option func(s *Subscriber)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithHTTPClient sets the client used for hub requests and discovery.
// Its timeout should stay bounded: the subscription lock is held while a request is in flight.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Subscriber) {
		s.httpClient = client
	}
}

// WithWorker lets you set the worker used to run subscribe and unsubscribe jobs.
// This can be any queue with at-least-once delivery, such as asynq.
func WithWorker(worker Worker) Option {
	return func(s *Subscriber) {
		s.worker = worker
	}
}

// WithWorkerCount sets how many goroutines the default GoWorker runs.
func WithWorkerCount(n int) Option {
	return func(s *Subscriber) {
		s.workerCount = n
	}
}

// WithConsumer sets the consumer of event payloads.
func WithConsumer(consumer Consumer) Option {
	return func(s *Subscriber) {
		s.consumer = consumer
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Subscriber) {
		s.now = now
	}
}

// WithDiscovery toggles hub discovery from the topic when no hub is given or configured.
func WithDiscovery(enabled bool) Option {
	return func(s *Subscriber) {
		s.discovery = enabled
	}
}

// Subscriber drives WebSub subscriptions against one or more hubs.
// Lifecycle events (Verified, Denied, ...) are published on the embedded handler.
type Subscriber struct {
	*handler.Handler

	config      Config
	store       store.Store
	locker      lock.Locker
	resolver    Resolver
	client      *HubClient
	httpClient  *http.Client
	worker      Worker
	workerCount int
	consumer    Consumer
	logger      *zap.Logger
	now         func() time.Time
	discovery   bool
}

var (
	v = validator.New()
)

// New creates a new Subscriber.
// store, locker and resolver are required; everything else has a default.
func New(cfg Config, st store.Store, locker lock.Locker, resolver Resolver, opts ...Option) *Subscriber {
	s := &Subscriber{
		Handler:  handler.New(),
		config:   cfg,
		store:    st,
		locker:   locker,
		resolver: resolver,
		logger:   zap.NewNop(),
		now: func() time.Time {
			return time.Now().UTC()
		},
		discovery:   true,
		workerCount: runtime.NumCPU(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.httpClient == nil {
		s.httpClient = defaultHTTPClient(cfg.RequestTimeout)
	}

	s.client = NewHubClient(s.httpClient)

	if s.worker == nil {
		s.worker = NewGoWorker(s, s.workerCount)
		s.worker.Start()
	}

	return s
}

// Close stops the worker. Queued jobs of a GoWorker are run before it returns.
func (s *Subscriber) Close() {
	s.worker.Stop()
}

// Config returns the lifecycle policy in use.
func (s *Subscriber) Config() Config {
	return s.config
}

// Store returns the record store.
func (s *Subscriber) Store() store.Store {
	return s.store
}

// Get returns a subscription by id.
func (s *Subscriber) Get(ctx context.Context, id string) (*model.Subscription, error) {
	return s.store.Get(ctx, id)
}

// schedule queues a job. Queue failures are returned to the caller, which owns the trigger.
func (s *Subscriber) schedule(op Op, id string) error {
	err := s.worker.Add(Job{Op: op, SubscriptionID: id})

	if err != nil {
		s.logger.Error("Failed to schedule job",
			zap.String("op", string(op)),
			zap.String("subscription", id),
			zap.Error(err))
	}

	return err
}

func lockKey(id string) string {
	return "websubsub_" + id
}
